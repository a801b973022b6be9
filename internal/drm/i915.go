package drm

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"
)

// i915 UAPI (include/uapi/drm/i915_drm.h).
const (
	drmI915GetParam = 0x06
	drmI915Query    = 0x39

	i915QueryMemoryRegions = 4

	// I915ParamSubsliceTotal is I915_PARAM_SUBSLICE_TOTAL.
	I915ParamSubsliceTotal = 33
	// I915ParamEUTotal is I915_PARAM_EU_TOTAL.
	I915ParamEUTotal = 34

	i915RegionsHeaderSize = 16
	i915RegionInfoSize    = 88
)

var (
	ioctlI915Query    = iocNumber(iocReadWrite, drmI915Query, unsafe.Sizeof(i915Query{}))
	ioctlI915GetParam = iocNumber(iocReadWrite, drmI915GetParam, unsafe.Sizeof(i915GetParam{}))
)

// i915Query mirrors struct drm_i915_query.
type i915Query struct {
	numItems uint32
	flags    uint32
	itemsPtr uint64
}

// i915QueryItem mirrors struct drm_i915_query_item.
type i915QueryItem struct {
	queryID uint64
	length  int32
	flags   uint32
	dataPtr uint64
}

// i915GetParam mirrors struct drm_i915_getparam.
type i915GetParam struct {
	param    int32
	_        uint32
	valuePtr uint64
}

// QueryI915Regions enumerates memory regions through
// DRM_I915_QUERY_MEMORY_REGIONS. The first call sizes the buffer, the
// second fills it.
func QueryI915Regions(fd uintptr) ([]Region, error) {
	item := i915QueryItem{queryID: i915QueryMemoryRegions}
	if err := i915RunQuery(fd, &item); err != nil {
		return nil, err
	}
	if item.length <= 0 {
		return nil, fmt.Errorf("i915 memory regions query: kernel returned length %d", item.length)
	}

	buf := make([]byte, item.length)
	item.dataPtr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	err := i915RunQuery(fd, &item)
	runtime.KeepAlive(buf)
	if err != nil {
		return nil, err
	}
	if item.length <= 0 {
		return nil, fmt.Errorf("i915 memory regions query: kernel returned length %d", item.length)
	}
	return decodeI915Regions(buf[:item.length])
}

func i915RunQuery(fd uintptr, item *i915QueryItem) error {
	query := i915Query{
		numItems: 1,
		itemsPtr: uint64(uintptr(unsafe.Pointer(item))),
	}
	err := ioctl(fd, ioctlI915Query, unsafe.Pointer(&query))
	runtime.KeepAlive(item)
	if err != nil {
		return fmt.Errorf("i915 query %d: %w", item.queryID, err)
	}
	return nil
}

func decodeI915Regions(buf []byte) ([]Region, error) {
	if len(buf) < i915RegionsHeaderSize {
		return nil, ErrShortBuffer
	}
	count := int(binary.NativeEndian.Uint32(buf[0:4]))
	if len(buf) < i915RegionsHeaderSize+count*i915RegionInfoSize {
		return nil, fmt.Errorf("%w: %d regions in %d bytes", ErrShortBuffer, count, len(buf))
	}

	regions := make([]Region, 0, count)
	for i := range count {
		raw := buf[i915RegionsHeaderSize+i*i915RegionInfoSize:]
		regions = append(regions, Region{
			Class:                 MemoryClass(binary.NativeEndian.Uint16(raw[0:2])),
			Instance:              binary.NativeEndian.Uint16(raw[2:4]),
			ProbedSize:            binary.NativeEndian.Uint64(raw[8:16]),
			UnallocatedSize:       binary.NativeEndian.Uint64(raw[16:24]),
			CPUVisibleSize:        binary.NativeEndian.Uint64(raw[24:32]),
			CPUVisibleUnallocated: binary.NativeEndian.Uint64(raw[32:40]),
		})
	}
	return regions, nil
}

// I915GetParam reads a single integer device parameter.
func I915GetParam(fd uintptr, param int32) (int32, error) {
	var value int32
	request := i915GetParam{
		param:    param,
		valuePtr: uint64(uintptr(unsafe.Pointer(&value))),
	}
	err := ioctl(fd, ioctlI915GetParam, unsafe.Pointer(&request))
	runtime.KeepAlive(&value)
	if err != nil {
		return 0, fmt.Errorf("i915 getparam %d: %w", param, err)
	}
	return value, nil
}
