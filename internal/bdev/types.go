package bdev

import "fmt"

// IOType enumerates the block-I/O surface a device may support.
type IOType int

const (
	IOTypeRead IOType = iota
	IOTypeWrite
	IOTypeUnmap
	IOTypeWriteZeroes
	IOTypeReset
	IOTypeFlush
	IOTypeNvmeAdmin
	IOTypeNvmeIO
)

func (t IOType) String() string {
	switch t {
	case IOTypeRead:
		return "read"
	case IOTypeWrite:
		return "write"
	case IOTypeUnmap:
		return "unmap"
	case IOTypeWriteZeroes:
		return "write_zeroes"
	case IOTypeReset:
		return "reset"
	case IOTypeFlush:
		return "flush"
	case IOTypeNvmeAdmin:
		return "nvme_admin"
	case IOTypeNvmeIO:
		return "nvme_io"
	default:
		return fmt.Sprintf("iotype(%d)", int(t))
	}
}

// NvmeStatusKind classifies a non-zero NVMe completion status for retry and
// fault-classification decisions upstream.
type NvmeStatusKind int

const (
	NvmeStatusUnknown NvmeStatusKind = iota
	NvmeStatusInvalidOpcode
	NvmeStatusAbortedSubmissionQueueDeleted
	NvmeStatusReservationConflict
	NvmeStatusOther
)

// CompletionStatus is the result reported to an I/O's completion callback.
type CompletionStatus struct {
	Success bool
	Nvme    NvmeStatusKind // valid when !Success
	// StatusType/StatusCode mirror the raw extended NVMe status fields the
	// completion callback extracts on failure.
	StatusType uint8
	StatusCode uint8
}

// Ok reports whether the completion succeeded.
func (s CompletionStatus) Ok() bool { return s.Success }

// CompletionFn is invoked exactly once when a vectored/unmap/write-zeroes/
// reset I/O completes.
type CompletionFn func(status CompletionStatus, cbArg any)

// IoStats accumulates per-device or per-channel I/O statistics.
type IoStats struct {
	NumReadOps       uint64
	NumWriteOps      uint64
	BytesRead        uint64
	BytesWritten     uint64
	NumUnmapOps      uint64
	NumReadErrors    uint64
	NumWriteErrors   uint64
}

// EventKind enumerates the device lifecycle events listeners observe.
type EventKind int

const (
	EventOpen EventKind = iota
	EventRemove
	EventMediaManagement
	EventAdminCommandCompletionFailed
)

// Event is delivered to listeners registered on a device name.
type Event struct {
	Kind   EventKind
	Device string
}
