// Package nexus implements the nexus I/O engine: a virtual-volume bdev that
// fans writes out to every healthy child, round-robins reads across the
// readable set, accounts in-flight host I/O, classifies and retries child
// failures, and retires children that no longer answer.
package nexus

import (
	"fmt"

	"github.com/mayadata-io/nexus-engine/internal/bdev"
)

// ChildState is a nexus child's runtime state. OutOfSync separates "needs a
// rebuild before counting as Online" from Faulted, reflecting open-time
// reconciliation against the nexus-info record.
type ChildState int

const (
	ChildInit ChildState = iota
	ChildOpen
	ChildOnline
	ChildOutOfSync
	ChildFaulted
	ChildClosed
)

func (s ChildState) String() string {
	switch s {
	case ChildInit:
		return "Init"
	case ChildOpen:
		return "Open"
	case ChildOnline:
		return "Online"
	case ChildOutOfSync:
		return "OutOfSync"
	case ChildFaulted:
		return "Faulted"
	case ChildClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// FaultReason explains why a child is Faulted.
type FaultReason int

const (
	FaultNone FaultReason = iota
	FaultIoError
	FaultOutOfSync
	FaultRebuildFailed
	FaultAdminCommandFailed
	FaultUnknown
)

func (r FaultReason) String() string {
	switch r {
	case FaultNone:
		return "None"
	case FaultIoError:
		return "IoError"
	case FaultOutOfSync:
		return "OutOfSync"
	case FaultRebuildFailed:
		return "RebuildFailed"
	case FaultAdminCommandFailed:
		return "AdminCommandFailed"
	case FaultUnknown:
		return "Unknown"
	default:
		return "Unknown"
	}
}

// State is the nexus's lifecycle/derived-health state.
type State int

const (
	StateInit State = iota
	StateOpen
	StateOnline
	StateDegraded
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateOpen:
		return "Open"
	case StateOnline:
		return "Online"
	case StateDegraded:
		return "Degraded"
	case StateFaulted:
		return "Faulted"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Op is a host I/O operation kind, used for submission routing and
// fault-injection matching.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpUnmap
	OpWriteZeroes
	OpReset
	OpFlush
	OpNvmeAdmin
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpUnmap:
		return "unmap"
	case OpWriteZeroes:
		return "write_zeroes"
	case OpReset:
		return "reset"
	case OpFlush:
		return "flush"
	case OpNvmeAdmin:
		return "nvme_admin"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// IOStatus is NioCtx's interim host-I/O status.
type IOStatus int

const (
	IOPending IOStatus = iota
	IOSuccess
	IOFailed
	IONoMem
)

func (s IOStatus) String() string {
	switch s {
	case IOPending:
		return "Pending"
	case IOSuccess:
		return "Success"
	case IOFailed:
		return "Failed"
	case IONoMem:
		return "NoMem"
	default:
		return "Unknown"
	}
}

// classification is the per-completion verdict used to decide retry vs.
// fault escalation.
type classification int

const (
	classOK classification = iota
	classInvalidOpcode
	classAbortedRetry
	classOtherFailure
)

func classify(status bdev.CompletionStatus) classification {
	if status.Success {
		return classOK
	}
	switch status.Nvme {
	case bdev.NvmeStatusInvalidOpcode:
		return classInvalidOpcode
	case bdev.NvmeStatusAbortedSubmissionQueueDeleted:
		return classAbortedRetry
	default:
		return classOtherFailure
	}
}
