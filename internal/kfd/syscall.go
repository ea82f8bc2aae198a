//go:build linux

package kfd

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func createQueue(fd int, args *CreateQueueArgs) error {
	return ioctl(fd, createQueueIoctl, unsafe.Pointer(args))
}

func destroyQueue(fd int, args *DestroyQueueArgs) error {
	return ioctl(fd, destroyQueueIoctl, unsafe.Pointer(args))
}

func updateQueue(fd int, args *UpdateQueueArgs) error {
	return ioctl(fd, updateQueueIoctl, unsafe.Pointer(args))
}

func setCUMask(fd int, args *SetCUMaskArgs) error {
	return ioctl(fd, setCUMaskIoctl, unsafe.Pointer(args))
}

func allocGWS(fd int, args *AllocGWSArgs) error {
	return ioctl(fd, allocGWSIoctl, unsafe.Pointer(args))
}
