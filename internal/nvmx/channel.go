package nvmx

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/mayadata-io/nexus-engine/internal/config"
	"github.com/mayadata-io/nexus-engine/internal/errs"
	"github.com/mayadata-io/nexus-engine/internal/metrics"
	"github.com/mayadata-io/nexus-engine/internal/reactor"
)

// NvmeStatusKind mirrors bdev.NvmeStatusKind without importing internal/bdev
// (which itself depends on nvmx for controller/channel access) — callers at
// the bdev boundary translate between the two, see bdev.NvmeRemote.
type NvmeStatusKind int

const (
	NvmeStatusUnknown NvmeStatusKind = iota
	NvmeStatusInvalidOpcode
	NvmeStatusAbortedSubmissionQueueDeleted
	NvmeStatusReservationConflict
	NvmeStatusOther
)

// CompletionStatus is the channel-local view of an I/O completion result.
type CompletionStatus struct {
	Success bool
	Nvme    NvmeStatusKind
}

// ChannelStats accumulates per-channel I/O statistics.
type ChannelStats struct {
	NumReadOps     uint64
	NumWriteOps    uint64
	BytesRead      uint64
	BytesWritten   uint64
	NumUnmapOps    uint64
	NumReadErrors  uint64
	NumWriteErrors uint64
}

// ChannelInner is the per-core I/O channel: one qpair, one poll group, a
// completion poller, per-channel stats, and a strong back-reference to the
// owning controller that keeps it alive for the channel's lifetime.
type ChannelInner struct {
	controller *Controller
	core       string
	cfg        config.Config
	connect    ConnectFunc

	mu            sync.Mutex
	qpair         *Qpair
	stats         ChannelStats
	numPendingIOs int64
	isShutdown    bool
	oldestSubmit  time.Time

	reactor      *reactor.Reactor
	pollerCancel context.CancelFunc
}

// CreateChannel looks up the controller (must be Running), allocates a
// qpair, connects it, and registers a completion poller. When pool is
// non-nil and has a reactor assigned to core, the poller rides that
// reactor's own tick instead of spawning a dedicated goroutine+ticker.
func CreateChannel(ctx context.Context, c *Controller, core string, cfg config.Config, connect ConnectFunc, pool *reactor.Pool) (*ChannelInner, error) {
	if c.State() != StateRunning {
		return nil, errs.New(errs.KindOpenBdev, "controller %s is not running", c.name)
	}

	ch := &ChannelInner{
		controller: c,
		core:       core,
		cfg:        cfg,
		connect:    connect,
		qpair:      newQpair(c),
	}

	if cfg.NvmeQpairConnectAsync {
		if err := <-ch.qpair.AsyncConnect(ctx, connect); err != nil {
			return nil, err
		}
	} else {
		if err := ch.qpair.SyncConnect(ctx, connect); err != nil {
			return nil, err
		}
	}

	var r *reactor.Reactor
	if pool != nil {
		r = pool.Reactor(core)
	}
	if r != nil {
		ch.reactor = r
		r.RegisterPoller(pollerName(c.name, core), ch.pollOnce)
		klog.V(4).Infof("nvmx: channel created on core %s for controller %s (reactor-driven)", core, c.name)
	} else {
		pollCtx, cancel := context.WithCancel(context.Background())
		ch.pollerCancel = cancel
		go ch.completionPollerLoop(pollCtx, cfg.NvmeIoqPollPeriod)
		klog.V(4).Infof("nvmx: channel created on core %s for controller %s", core, c.name)
	}

	c.registerChannel(core, ch)
	return ch, nil
}

func pollerName(controller, core string) string {
	return "nvmx-channel:" + controller + ":" + core
}

func (ch *ChannelInner) completionPollerLoop(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = time.Microsecond
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ch.pollOnce(ctx)
		}
	}
}

// pollOnce is the body of one completion-poller tick, whether driven by a
// dedicated ticker goroutine or by a reactor's own poll cycle.
func (ch *ChannelInner) pollOnce(ctx context.Context) {
	if ch.qpair.State() == QpairDisconnected {
		ch.onDisconnectedQpair()
	}
	ch.checkCommandTimeout(ctx)
	metrics.SetChannelPendingIOs(ch.controller.name, ch.core, atomic.LoadInt64(&ch.numPendingIOs))
}

// onDisconnectedQpair aborts the qpair's queued and transport requests so
// in-flight completions fire with an error instead of being lost.
func (ch *ChannelInner) onDisconnectedQpair() {
	ch.failAllOutstanding()
}

func (ch *ChannelInner) failAllOutstanding() {
	n := atomic.SwapInt64(&ch.numPendingIOs, 0)
	if n > 0 {
		klog.V(4).Infof("nvmx: channel on core %s aborting %d outstanding I/O(s) (qpair disconnected)", ch.core, n)
	}
	ch.mu.Lock()
	ch.oldestSubmit = time.Time{}
	ch.mu.Unlock()
}

// checkCommandTimeout implements the non-responding-command detection half
// of the timeout-escalation ladder: if the oldest still-outstanding
// submission has sat longer than the configured I/O timeout, hand it to
// the controller's timeout policy to decide Ignore/Abort/Reset/HotRemove.
func (ch *ChannelInner) checkCommandTimeout(ctx context.Context) {
	if ch.cfg.NvmeTimeout <= 0 {
		return
	}

	ch.mu.Lock()
	oldest := ch.oldestSubmit
	ch.mu.Unlock()
	if oldest.IsZero() || time.Since(oldest) < ch.cfg.NvmeTimeout {
		return
	}

	// Re-stamp so a command the ladder chooses not to clear (Ignore, or a
	// refused reset within cooldown) doesn't re-trigger on every tick.
	ch.mu.Lock()
	ch.oldestSubmit = time.Now()
	ch.mu.Unlock()

	cfs := ch.qpair.State() == QpairDisconnected
	if err := ch.controller.timeout.HandleTimeout(ctx, false, cfs, 0, ch.abortOldest, ch.controller.reconnectAllChannels); err != nil {
		klog.Warningf("nvmx: channel on core %s: timeout handling: %v", ch.core, err)
	}
}

// abortOldest is the channel-local AbortFunc: it fails the oldest
// outstanding submission without touching the rest of the qpair's
// in-flight work or reconnecting.
func (ch *ChannelInner) abortOldest(_ context.Context, _ uint32) error {
	v := atomic.AddInt64(&ch.numPendingIOs, -1)
	if v < 0 {
		atomic.StoreInt64(&ch.numPendingIOs, 0)
	}
	klog.V(4).Infof("nvmx: channel on core %s: aborted timed-out command", ch.core)
	return nil
}

// Submit increments num_pending_ios for a just-dispatched I/O, stamping
// the timeout clock when the channel goes from idle to outstanding. Call
// Complete exactly once per Submit.
func (ch *ChannelInner) Submit() error {
	ch.mu.Lock()
	shutdown := ch.isShutdown
	ch.mu.Unlock()
	if shutdown {
		return errs.ErrShutdown
	}
	if ch.qpair.State() != QpairConnected {
		return errs.New(errs.KindDispatch, "qpair not connected on core %s", ch.core)
	}
	if atomic.AddInt64(&ch.numPendingIOs, 1) == 1 {
		ch.mu.Lock()
		ch.oldestSubmit = time.Now()
		ch.mu.Unlock()
	}
	return nil
}

// Complete decrements num_pending_ios exactly once per completed I/O,
// warning instead of panicking on an underflow.
func (ch *ChannelInner) Complete(status CompletionStatus) {
	v := atomic.AddInt64(&ch.numPendingIOs, -1)
	if v < 0 {
		klog.Warningf("nvmx: channel on core %s: num_pending_ios decremented below zero", ch.core)
		atomic.StoreInt64(&ch.numPendingIOs, 0)
		v = 0
	}
	if v == 0 {
		ch.mu.Lock()
		ch.oldestSubmit = time.Time{}
		ch.mu.Unlock()
	}
}

// PendingIOs returns the live in-flight submission count.
func (ch *ChannelInner) PendingIOs() int64 { return atomic.LoadInt64(&ch.numPendingIOs) }

// Reset drops the qpair: aborts queued/transport requests, disconnects,
// and frees it. Pending host I/O on this channel must be retried/re-routed
// by the nexus afterwards.
func (ch *ChannelInner) Reset() {
	ch.mu.Lock()
	q := ch.qpair
	ch.mu.Unlock()
	if q != nil {
		q.Drop()
	}
	ch.failAllOutstanding()
}

// Reinitialize rejects the call if the channel is shut down, else frees
// any residual qpair and connects a fresh one.
func (ch *ChannelInner) Reinitialize(ctx context.Context, connect ConnectFunc) error {
	ch.mu.Lock()
	if ch.isShutdown {
		ch.mu.Unlock()
		return errs.New(errs.KindInvalidArgument, "cannot reinitialize a shut-down channel")
	}
	ch.qpair = newQpair(ch.controller)
	ch.mu.Unlock()

	return ch.qpair.SyncConnect(ctx, connect)
}

// shutdown is the internal, one-way teardown invoked by Controller.Destroy:
// reset, mark is_shutdown, and stop the completion poller.
func (ch *ChannelInner) shutdown() {
	ch.Reset()
	ch.mu.Lock()
	ch.isShutdown = true
	ch.mu.Unlock()
	if ch.pollerCancel != nil {
		ch.pollerCancel()
	}
	if ch.reactor != nil {
		ch.reactor.UnregisterPoller(pollerName(ch.controller.name, ch.core))
	}
}

// IsShutdown reports whether shutdown has been called on this channel.
func (ch *ChannelInner) IsShutdown() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.isShutdown
}

// Qpair exposes the channel's underlying qpair (e.g. for escalation abort).
func (ch *ChannelInner) Qpair() *Qpair { return ch.qpair }

// Controller returns the owning controller.
func (ch *ChannelInner) Controller() *Controller { return ch.controller }
