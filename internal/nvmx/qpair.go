package nvmx

import (
	"context"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/mayadata-io/nexus-engine/internal/errs"
)

// QpairState is the qpair connect state machine.
type QpairState int

const (
	QpairDisconnected QpairState = iota
	QpairConnecting
	QpairConnected
	QpairDropped
)

func (s QpairState) String() string {
	switch s {
	case QpairDisconnected:
		return "Disconnected"
	case QpairConnecting:
		return "Connecting"
	case QpairConnected:
		return "Connected"
	case QpairDropped:
		return "Dropped"
	default:
		return "Unknown"
	}
}

// Qpair models a submission/completion queue pair bound to one core. Real
// qpair allocation/connect is an SPDK call; here it is represented by the
// state machine itself plus a ConnectFunc hook tests can fail on demand.
type Qpair struct {
	controller *Controller

	mu    sync.Mutex
	state QpairState
	wait  []chan error
}

// ConnectFunc performs the transport-level qpair connect. Defaults to an
// always-succeeding stub; fault injection / tests substitute a failing one.
type ConnectFunc func(ctx context.Context) error

func defaultConnect(context.Context) error { return nil }

func newQpair(c *Controller) *Qpair {
	return &Qpair{controller: c, state: QpairDisconnected}
}

// State returns the qpair's current connect state.
func (q *Qpair) State() QpairState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// SyncConnect is the synchronous connect path: must observe Disconnected,
// transitions to Connected on success or back to Disconnected on failure.
// Idempotent when already Connected.
func (q *Qpair) SyncConnect(ctx context.Context, connect ConnectFunc) error {
	if connect == nil {
		connect = defaultConnect
	}

	q.mu.Lock()
	switch q.state {
	case QpairConnected:
		q.mu.Unlock()
		return nil
	case QpairDropped:
		q.mu.Unlock()
		return errs.ErrDropped
	case QpairConnecting:
		q.mu.Unlock()
		return errs.New(errs.KindInternal, "sync connect called while already connecting")
	}
	q.mu.Unlock()

	err := connect(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil {
		q.state = QpairDisconnected
		return errs.Wrap(errs.KindOpenBdev, err, "qpair sync connect")
	}
	q.state = QpairConnected
	return nil
}

// AsyncConnect is the asynchronous connect path.
func (q *Qpair) AsyncConnect(ctx context.Context, connect ConnectFunc) <-chan error {
	if connect == nil {
		connect = defaultConnect
	}

	q.mu.Lock()
	switch q.state {
	case QpairConnected:
		ch := make(chan error, 1)
		ch <- nil
		q.mu.Unlock()
		return ch
	case QpairDropped:
		ch := make(chan error, 1)
		ch <- errs.ErrDropped
		q.mu.Unlock()
		return ch
	case QpairConnecting:
		ch := make(chan error, 1)
		q.wait = append(q.wait, ch)
		q.mu.Unlock()
		return ch
	}
	q.state = QpairConnecting
	q.mu.Unlock()

	result := make(chan error, 1)
	go q.runAsyncConnect(ctx, connect, result)
	return result
}

func (q *Qpair) runAsyncConnect(ctx context.Context, connect ConnectFunc, result chan<- error) {
	// poller at 1ms polling spdk_nvme_ctrlr_io_qpair_connect_poll_async,
	// represented here as a single bounded-latency goroutine invocation of
	// the connect hook; the 1ms poller cadence is the detection granularity
	// of a real poll loop, not an added delay.
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	done := make(chan error, 1)
	go func() { done <- connect(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	q.mu.Lock()
	if q.state == QpairDropped {
		// Dropped during polling: free the probe manually; the connect
		// callback must not be expected beyond this point.
		q.mu.Unlock()
		klog.V(4).Infof("nvmx: qpair dropped mid-connect, discarding probe result")
		result <- errs.ErrDropped
		return
	}
	if err != nil {
		q.state = QpairDisconnected
	} else {
		q.state = QpairConnected
	}
	waiters := q.wait
	q.wait = nil
	q.mu.Unlock()

	var reported error
	if err != nil {
		reported = errs.Wrap(errs.KindOpenBdev, err, "qpair async connect")
	}
	result <- reported
	for _, w := range waiters {
		w <- reported
	}
}

// Drop transitions the qpair to Dropped, aborting any queued/transport
// requests; Dropped is terminal.
func (q *Qpair) Drop() {
	q.mu.Lock()
	q.state = QpairDropped
	waiters := q.wait
	q.wait = nil
	q.mu.Unlock()
	for _, w := range waiters {
		w <- errs.ErrDropped
	}
}
