//go:build linux

package registry

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// blkGetSizeIOC is BLKGETSIZE64 from linux/fs.h: _IOR(0x12, 114, size_t).
const blkGetSizeIOC = 0x80081272

// blkGetSize64 reads a block device's size in bytes via BLKGETSIZE64,
// grounded on the teacher's raw-ioctl style used for io_uring setup.
func blkGetSize64(fd int, size *uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(blkGetSizeIOC), uintptr(unsafe.Pointer(size)))
	if errno != 0 {
		return errno
	}
	return nil
}
