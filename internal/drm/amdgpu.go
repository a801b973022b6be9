package drm

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"
)

// amdgpu UAPI (include/uapi/drm/amdgpu_drm.h).
const (
	drmAMDGPUInfo = 0x05

	amdgpuInfoMemory = 0x19

	amdgpuHeapInfoSize   = 32
	amdgpuMemoryInfoSize = 3 * amdgpuHeapInfoSize
)

var ioctlAMDGPUInfo = iocNumber(iocWrite, drmAMDGPUInfo, unsafe.Sizeof(amdgpuInfoRequest{}))

// amdgpuInfoRequest mirrors struct drm_amdgpu_info: 8 (return_pointer) +
// 4 (return_size) + 4 (query) + 16 (union, sized by read_mmr_reg and
// query_fw), 32 bytes in total.
type amdgpuInfoRequest struct {
	returnPointer uint64
	returnSize    uint32
	query         uint32
	unionData     [16]byte
}

// QueryAMDGPURegions reads AMDGPU_INFO_MEMORY and reports VRAM as a device
// region and GTT as a system region.
func QueryAMDGPURegions(fd uintptr) ([]Region, error) {
	var buf [amdgpuMemoryInfoSize]byte
	request := amdgpuInfoRequest{
		returnPointer: uint64(uintptr(unsafe.Pointer(&buf[0]))),
		returnSize:    amdgpuMemoryInfoSize,
		query:         amdgpuInfoMemory,
	}
	err := ioctl(fd, ioctlAMDGPUInfo, unsafe.Pointer(&request))
	runtime.KeepAlive(&buf)
	if err != nil {
		return nil, fmt.Errorf("amdgpu memory info query: %w", err)
	}
	return decodeAMDGPUMemory(buf[:])
}

type amdgpuHeap struct {
	total  uint64
	usable uint64
	usage  uint64
}

func decodeAMDGPUHeap(raw []byte) amdgpuHeap {
	return amdgpuHeap{
		total:  binary.NativeEndian.Uint64(raw[0:8]),
		usable: binary.NativeEndian.Uint64(raw[8:16]),
		usage:  binary.NativeEndian.Uint64(raw[16:24]),
	}
}

// decodeAMDGPUMemory decodes struct drm_amdgpu_memory_info: the vram,
// cpu_accessible_vram and gtt heaps in that order.
func decodeAMDGPUMemory(buf []byte) ([]Region, error) {
	if len(buf) < amdgpuMemoryInfoSize {
		return nil, ErrShortBuffer
	}
	vram := decodeAMDGPUHeap(buf[0:])
	visible := decodeAMDGPUHeap(buf[amdgpuHeapInfoSize:])
	gtt := decodeAMDGPUHeap(buf[2*amdgpuHeapInfoSize:])

	return []Region{
		{
			Class:                 ClassDevice,
			ProbedSize:            vram.total,
			UnallocatedSize:       saturatingSub(vram.total, vram.usage),
			CPUVisibleSize:        visible.total,
			CPUVisibleUnallocated: saturatingSub(visible.total, visible.usage),
		},
		{
			Class:           ClassSystem,
			ProbedSize:      gtt.total,
			UnallocatedSize: saturatingSub(gtt.total, gtt.usage),
		},
	}, nil
}
