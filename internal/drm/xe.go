package drm

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"
)

// xe UAPI (include/uapi/drm/xe_drm.h).
const (
	drmXeDeviceQuery = 0x00

	xeQueryMemRegions = 1

	xeMemClassSysmem = 0
	xeMemClassVRAM   = 1

	xeRegionsHeaderSize = 8
	xeMemRegionSize     = 88
)

var ioctlXeDeviceQuery = iocNumber(iocReadWrite, drmXeDeviceQuery, unsafe.Sizeof(xeDeviceQuery{}))

// xeDeviceQuery mirrors struct drm_xe_device_query.
type xeDeviceQuery struct {
	extensions uint64
	query      uint32
	size       uint32
	data       uint64
	reserved   [2]uint64
}

// QueryXeRegions enumerates memory regions through
// DRM_XE_DEVICE_QUERY_MEM_REGIONS using the same two-call size protocol as
// i915.
func QueryXeRegions(fd uintptr) ([]Region, error) {
	query := xeDeviceQuery{query: xeQueryMemRegions}
	if err := ioctl(fd, ioctlXeDeviceQuery, unsafe.Pointer(&query)); err != nil {
		return nil, fmt.Errorf("xe mem regions size query: %w", err)
	}
	if query.size == 0 {
		return nil, fmt.Errorf("xe mem regions query: kernel returned empty size")
	}

	buf := make([]byte, query.size)
	query.data = uint64(uintptr(unsafe.Pointer(&buf[0])))
	err := ioctl(fd, ioctlXeDeviceQuery, unsafe.Pointer(&query))
	runtime.KeepAlive(buf)
	if err != nil {
		return nil, fmt.Errorf("xe mem regions query: %w", err)
	}
	return decodeXeRegions(buf[:query.size])
}

// decodeXeRegions converts drm_xe_mem_region entries, which report used
// bytes, into the unallocated form shared with i915.
func decodeXeRegions(buf []byte) ([]Region, error) {
	if len(buf) < xeRegionsHeaderSize {
		return nil, ErrShortBuffer
	}
	count := int(binary.NativeEndian.Uint32(buf[0:4]))
	if len(buf) < xeRegionsHeaderSize+count*xeMemRegionSize {
		return nil, fmt.Errorf("%w: %d regions in %d bytes", ErrShortBuffer, count, len(buf))
	}

	regions := make([]Region, 0, count)
	for i := range count {
		raw := buf[xeRegionsHeaderSize+i*xeMemRegionSize:]
		total := binary.NativeEndian.Uint64(raw[8:16])
		used := binary.NativeEndian.Uint64(raw[16:24])
		cpuVisible := binary.NativeEndian.Uint64(raw[24:32])
		cpuVisibleUsed := binary.NativeEndian.Uint64(raw[32:40])

		class := ClassSystem
		if binary.NativeEndian.Uint16(raw[0:2]) == xeMemClassVRAM {
			class = ClassDevice
		}
		regions = append(regions, Region{
			Class:                 class,
			Instance:              binary.NativeEndian.Uint16(raw[2:4]),
			ProbedSize:            total,
			UnallocatedSize:       saturatingSub(total, used),
			CPUVisibleSize:        cpuVisible,
			CPUVisibleUnallocated: saturatingSub(cpuVisible, cpuVisibleUsed),
		})
	}
	return regions, nil
}
