package drm

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DRM ioctl encoding from include/uapi/drm/drm.h: driver-private commands
// start at DRM_COMMAND_BASE and use the 'd' type character.
const (
	drmIoctlBase   = 'd'
	drmCommandBase = 0x40

	iocWrite     = 1
	iocReadWrite = 3
)

// ErrShortBuffer is returned when a kernel response is smaller than its
// declared layout.
var ErrShortBuffer = errors.New("drm: short response buffer")

func iocNumber(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | drmIoctlBase<<8 | (drmCommandBase + nr)
}

// ioctl issues a DRM ioctl, retrying on EINTR and EAGAIN the way libdrm's
// drmIoctl does.
func ioctl(fd uintptr, request uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return errno
		}
	}
}

// OpenRenderNode opens a DRM render node for ioctl queries.
func OpenRenderNode(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open render node %s: %w", path, err)
	}
	return file, nil
}
