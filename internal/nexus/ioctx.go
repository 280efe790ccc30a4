package nexus

import (
	"sync"

	"github.com/mayadata-io/nexus-engine/internal/bdev"
)

// DoneFunc is invoked exactly once when a host I/O's NioCtx reaches
// in_flight == 0 and a final verdict is known.
type DoneFunc func(status IOStatus)

// NioCtx is the per-host-I/O context: in_flight count, interim status, and
// the sticky must_fail flag that survives until every outstanding child
// submission has completed.
type NioCtx struct {
	mu       sync.Mutex
	inFlight uint8
	status   IOStatus
	mustFail bool
	retry    bool
	done     DoneFunc
}

func newNioCtx(done DoneFunc) *NioCtx {
	return &NioCtx{status: IOPending, done: done}
}

// addPending records n additional outstanding child submissions.
func (n *NioCtx) addPending(count int) {
	n.mu.Lock()
	n.inFlight += uint8(count)
	n.mu.Unlock()
}

// failSubmission handles a child submission that failed synchronously
// (never reached in-flight): it must not be waited on, so record must_fail
// and discard its accounted slot rather than leaving in_flight too high.
func (n *NioCtx) failSubmission() {
	n.mu.Lock()
	if n.inFlight > 0 {
		n.inFlight--
	}
	n.mustFail = true
	n.status = IOFailed
	n.mu.Unlock()
}

// complete records one child completion, invoking done exactly once when
// in_flight reaches zero.
func (n *NioCtx) complete(status bdev.CompletionStatus, cls classification) {
	n.mu.Lock()
	if n.inFlight > 0 {
		n.inFlight--
	}
	if !status.Success {
		n.mustFail = true
		n.status = IOFailed
	}
	if cls == classAbortedRetry {
		n.retry = true
	}
	finished := n.inFlight == 0
	mustFail := n.mustFail
	retry := n.retry
	finalStatus := n.status
	doneFn := n.done
	n.mu.Unlock()

	if !finished || doneFn == nil {
		return
	}
	if finalStatus == IOPending {
		finalStatus = IOSuccess
	}
	switch {
	case mustFail && !retry:
		doneFn(IOFailed)
	case retry:
		// Caller (Nexus.Submit) re-issues the host I/O through the same
		// channel once in-flight has drained.
		doneFn(IOPending)
	default:
		doneFn(finalStatus)
	}
}
