// Package kfd is a reference Linux KMD transport: it speaks to
// /dev/kfd through ioctl, generalized from one fixed syscall number
// into ioctl's family of encoded command numbers. It exists so
// aqlqueue.KMD has one real, syscall-backed implementation alongside
// the in-process SimKMD the tests exercise.
//
// The exact ioctl command numbers here follow the standard Linux ioctl
// encoding (_IOWR's direction/size/type/nr packing) but are not checked
// against a live kernel's uapi/linux/kfd_ioctl.h. Treat Driver as a
// documented reference transport, not a verified one; SimKMD is what
// every test in this module actually drives.
package kfd

import "unsafe"

// ioctl direction bits, per asm-generic/ioctl.h.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func iowr(typ, nr byte, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, uintptr(typ), uintptr(nr), size)
}

// kfdIOCType is the ioctl "type" (magic) byte KFD registers under.
const kfdIOCType = 'K'

// CreateQueueArgs mirrors the amdkfd CreateQueue ioctl payload: ring
// geometry and pointers in, queue id and doorbell offset out.
type CreateQueueArgs struct {
	RingBaseAddress  uint64
	RingSize         uint32
	GPUID            uint32
	QueueType        uint32
	QueuePercentage  uint32
	QueuePriority    uint32
	QueueID          uint32 // out
	ReadPointerAddr  uint64
	WritePointerAddr uint64
	DoorbellOffset   uint64 // out
	EventID          uint32
	Pad              uint32
}

var createQueueIoctl = iowr(kfdIOCType, 1, unsafe.Sizeof(CreateQueueArgs{}))

// DestroyQueueArgs mirrors the DestroyQueue ioctl payload.
type DestroyQueueArgs struct {
	QueueID uint32
	Pad     uint32
}

var destroyQueueIoctl = iowr(kfdIOCType, 2, unsafe.Sizeof(DestroyQueueArgs{}))

// UpdateQueueArgs mirrors the UpdateQueue ioctl payload: percent 0
// suspends without destroying.
type UpdateQueueArgs struct {
	QueueID         uint32
	RingBaseAddress uint64
	RingSize        uint32
	QueuePercentage uint32
	QueuePriority   uint32
}

var updateQueueIoctl = iowr(kfdIOCType, 3, unsafe.Sizeof(UpdateQueueArgs{}))

// SetCUMaskArgs mirrors the SetCUMask ioctl payload.
type SetCUMaskArgs struct {
	QueueID   uint32
	NumCUMask uint32
	CUMaskPtr uint64
}

var setCUMaskIoctl = iowr(kfdIOCType, 4, unsafe.Sizeof(SetCUMaskArgs{}))

// AllocGWSArgs mirrors the AllocQueueGWS ioctl payload: the cooperative-
// queue GWS resource grant.
type AllocGWSArgs struct {
	QueueID      uint32
	NumResources uint32
	FirstGWS     uint32 // out
}

var allocGWSIoctl = iowr(kfdIOCType, 5, unsafe.Sizeof(AllocGWSArgs{}))
