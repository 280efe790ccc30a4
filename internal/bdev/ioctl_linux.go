// Implementation of the Linux BLKZEROOUT block ioctl, following the raw
// ioctl-macro style of dswarbrick-smart's ioctl.go (themselves ported from
// <uapi/asm-generic/ioctl.h>). golang.org/x/sys/unix does not expose this
// block-layer-specific ioctl number directly.
package bdev

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// blkZeroout is _IO(0x12, 127) per <linux/fs.h>.
const blkZeroout = 0x127f

// ioctlBlkZeroout zeroes [rng[0], rng[0]+rng[1]) on the block device fd.
func ioctlBlkZeroout(fd uintptr, rng [2]uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, blkZeroout, uintptr(unsafe.Pointer(&rng)))
	if errno != 0 {
		return errno
	}
	return nil
}
