//go:build linux

package kfd

import (
	"fmt"
	"os"
	"unsafe"

	aqlqueue "github.com/FireBurn/ROCR-Runtime"
)

// Driver talks to /dev/kfd directly. It implements aqlqueue.KMD
// structurally (no import cycle: aqlqueue never imports this package;
// callers wire a *Driver in as the KMD argument to aqlqueue.New).
type Driver struct {
	file        *os.File
	gpuID       uint32
	exceptDebug bool
}

// Open opens /dev/kfd for the given GPU node id. exceptionDebug should
// reflect whatever the driver reports for KFD_IOC_CAP_TRAP_DEBUG on
// this node; the reference transport has no way to query it without
// real kernel headers, so the caller supplies it directly.
func Open(gpuID uint32, exceptionDebug bool) (*Driver, error) {
	f, err := os.OpenFile("/dev/kfd", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kfd: open /dev/kfd: %w", err)
	}
	return &Driver{file: f, gpuID: gpuID, exceptDebug: exceptionDebug}, nil
}

func (d *Driver) Close() error { return d.file.Close() }

func (d *Driver) CreateQueue(p aqlqueue.CreateQueueParams) (aqlqueue.QueueResource, error) {
	args := CreateQueueArgs{
		RingBaseAddress:  uint64(uintptr(p.RingBase)),
		RingSize:         uint32(p.RingBytes),
		GPUID:            d.gpuID,
		QueueType:        uint32(p.Type),
		QueuePriority:    uint32(p.Priority),
		ReadPointerAddr:  uint64(uintptr(unsafe.Pointer(p.ReadPtr))),
		WritePointerAddr: uint64(uintptr(unsafe.Pointer(p.WritePtr))),
	}
	if p.HasEvent {
		args.EventID = p.EventID
	}

	if err := createQueue(int(d.file.Fd()), &args); err != nil {
		return aqlqueue.QueueResource{}, fmt.Errorf("kfd: create queue: %w", err)
	}
	return aqlqueue.QueueResource{
		QueueID:      args.QueueID,
		DoorbellMMIO: unsafe.Pointer(uintptr(args.DoorbellOffset)),
	}, nil
}

func (d *Driver) DestroyQueue(queueID uint32) error {
	args := DestroyQueueArgs{QueueID: queueID}
	if err := destroyQueue(int(d.file.Fd()), &args); err != nil {
		return fmt.Errorf("kfd: destroy queue: %w", err)
	}
	return nil
}

func (d *Driver) UpdateQueue(queueID uint32, percent uint32, priority aqlqueue.Priority) error {
	args := UpdateQueueArgs{
		QueueID:         queueID,
		QueuePercentage: percent,
		QueuePriority:   uint32(priority),
	}
	if err := updateQueue(int(d.file.Fd()), &args); err != nil {
		return fmt.Errorf("kfd: update queue: %w", err)
	}
	return nil
}

func (d *Driver) SetQueueCUMask(queueID uint32, mask []uint32) error {
	if len(mask) == 0 {
		return nil
	}
	args := SetCUMaskArgs{
		QueueID:   queueID,
		NumCUMask: uint32(len(mask)) * 32,
		CUMaskPtr: uint64(uintptr(unsafe.Pointer(&mask[0]))),
	}
	if err := setCUMask(int(d.file.Fd()), &args); err != nil {
		return fmt.Errorf("kfd: set cu mask: %w", err)
	}
	return nil
}

func (d *Driver) AllocQueueGWS(queueID uint32, numResources uint32) error {
	args := AllocGWSArgs{QueueID: queueID, NumResources: numResources}
	if err := allocGWS(int(d.file.Fd()), &args); err != nil {
		return fmt.Errorf("kfd: alloc gws: %w", err)
	}
	return nil
}

func (d *Driver) SupportsExceptionDebugging() bool { return d.exceptDebug }
