// Package drm queries GPU memory regions and device parameters through
// DRM driver ioctls on an open render node.
package drm

// MemoryClass is the kernel's classification of a memory region.
type MemoryClass uint16

const (
	// ClassSystem is host memory reachable by the GPU.
	ClassSystem MemoryClass = 0
	// ClassDevice is device-local memory (VRAM).
	ClassDevice MemoryClass = 1
)

// Region is one physical memory region normalized across drivers. Sizes
// are in bytes.
type Region struct {
	Class                 MemoryClass
	Instance              uint16
	ProbedSize            uint64
	UnallocatedSize       uint64
	CPUVisibleSize        uint64
	CPUVisibleUnallocated uint64
}

// VRAMInfo is the summed usage of the device-local regions in bytes. An
// all-zero value means the GPU has no dedicated memory or it could not be
// queried.
type VRAMInfo struct {
	Total              uint64
	Used               uint64
	CPUAccessibleTotal uint64
	CPUAccessibleUsed  uint64
}

// IsZero reports whether no dedicated memory was found.
func (v VRAMInfo) IsZero() bool {
	return v == VRAMInfo{}
}

// Summarize sums the regions of class into a VRAMInfo. Used is only
// computed when the corresponding total is non-zero and never underflows.
func Summarize(regions []Region, class MemoryClass) VRAMInfo {
	var (
		info                  VRAMInfo
		unallocated           uint64
		cpuVisibleUnallocated uint64
	)
	for _, region := range regions {
		if region.Class != class {
			continue
		}
		info.Total += region.ProbedSize
		unallocated += region.UnallocatedSize
		info.CPUAccessibleTotal += region.CPUVisibleSize
		cpuVisibleUnallocated += region.CPUVisibleUnallocated
	}

	if info.Total > 0 {
		info.Used = saturatingSub(info.Total, unallocated)
	}
	if info.CPUAccessibleTotal > 0 {
		info.CPUAccessibleUsed = saturatingSub(info.CPUAccessibleTotal, cpuVisibleUnallocated)
	}
	return info
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
