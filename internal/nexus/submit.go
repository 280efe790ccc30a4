package nexus

import (
	"context"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/mayadata-io/nexus-engine/internal/bdev"
	"github.com/mayadata-io/nexus-engine/internal/errs"
	"github.com/mayadata-io/nexus-engine/internal/faultinject"
	"github.com/mayadata-io/nexus-engine/internal/metrics"
)

// Submit dispatches op to one or all healthy children on core, translating
// block offsets by DataEntOffset first.
func (nx *Nexus) Submit(ctx context.Context, core string, op Op, offsetBlocks, numBlocks uint64, iov [][]byte) (IOStatus, error) {
	nx.waitIfPaused()

	if nx.State() == StateFaulted || nx.State() == StateClosed {
		return IOFailed, errs.New(errs.KindFrontendGone, "nexus %s is %s", nx.Name, nx.State())
	}

	switch op {
	case OpFlush:
		return IOSuccess, nil
	case OpNvmeAdmin:
		return IOFailed, errs.Wrap(errs.KindInvalidArgument, errs.ErrNotSupported, "nexus %s: nvme_admin rejected", nx.Name)
	case OpRead:
		return nx.submitRead(ctx, core, offsetBlocks, numBlocks, iov)
	case OpWrite, OpUnmap, OpWriteZeroes, OpReset:
		return nx.submitFanout(ctx, core, op, offsetBlocks, numBlocks, iov)
	default:
		return IOFailed, errs.Wrap(errs.KindInvalidArgument, errs.ErrNotSupported, "nexus %s: unsupported op", nx.Name)
	}
}

// onlineChildren returns the current Online children, preserving child
// order for deterministic round-robin. No per-core exclusion list is kept:
// a failed child is still returned, on every core, until retireChild has
// marked it Faulted.
func (nx *Nexus) onlineChildren() []*Child {
	var out []*Child
	for _, c := range nx.Children() {
		if c.State() == ChildOnline {
			out = append(out, c)
		}
	}
	return out
}

func (nx *Nexus) nextReadStart(core string, n int) int {
	nx.readIdxMu.Lock()
	defer nx.readIdxMu.Unlock()
	idx := nx.readIdx[core] % n
	nx.readIdx[core] = idx + 1
	return idx
}

// submitRead round-robins among readable children, retrying a different
// child on failure up to the available-healthy count.
func (nx *Nexus) submitRead(ctx context.Context, core string, offsetBlocks, numBlocks uint64, iov [][]byte) (IOStatus, error) {
	candidates := nx.onlineChildren()
	if len(candidates) == 0 {
		return IOFailed, errs.Wrap(errs.KindNotFound, errs.ErrNoDevicesAvailable, "nexus %s: read", nx.Name)
	}

	start := nx.nextReadStart(core, len(candidates))
	var lastErr error
	for i := 0; i < len(candidates); i++ {
		c := candidates[(start+i)%len(candidates)]

		status, submitErr := nx.dispatchChild(ctx, c, core, OpRead, offsetBlocks, numBlocks, iov)
		if submitErr != nil {
			nx.onChildFailure(c, core, classOtherFailure)
			lastErr = submitErr
			continue
		}
		if status.Success {
			return IOSuccess, nil
		}

		cls := classify(status)
		nx.onChildFailure(c, core, cls)
		lastErr = errs.New(errs.KindNvmeStatus, "nexus %s: read failed on child %s", nx.Name, c.UUID)
		if cls == classInvalidOpcode {
			// "Log, do not retire; surface immediately" — no further retry.
			return IOFailed, lastErr
		}
	}
	return IOFailed, lastErr
}

// submitFanout handles the write/unmap/write-zeroes/reset path: fan out to
// every Online child of the channel concurrently, wait for all to
// complete, and apply the must_fail / retry verdict.
func (nx *Nexus) submitFanout(ctx context.Context, core string, op Op, offsetBlocks, numBlocks uint64, iov [][]byte) (IOStatus, error) {
	children := nx.onlineChildren()
	if len(children) == 0 {
		return IOFailed, errs.Wrap(errs.KindNotFound, errs.ErrNoDevicesAvailable, "nexus %s: %s", nx.Name, op)
	}

	nio := newNioCtx(nil)
	nio.addPending(len(children))

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range children {
		c := c
		g.Go(func() error {
			status, submitErr := nx.dispatchChild(gctx, c, core, op, offsetBlocks, numBlocks, iov)
			if submitErr != nil {
				nio.failSubmission()
				nx.onChildFailure(c, core, classOtherFailure)
				return nil
			}
			cls := classify(status)
			nio.complete(status, cls)
			if cls != classOK {
				nx.onChildFailure(c, core, cls)
			}
			return nil
		})
	}
	_ = g.Wait()

	nio.mu.Lock()
	mustFail, retry, status := nio.mustFail, nio.retry, nio.status
	nio.mu.Unlock()

	switch {
	case mustFail && !retry:
		return IOFailed, errs.New(errs.KindNvmeStatus, "nexus %s: %s failed on one or more children", nx.Name, op)
	case retry:
		klog.V(4).Infof("nexus: %s: retrying %s after child drain (AbortedSubmissionQueueDeleted)", nx.Name, op)
		return nx.submitFanout(ctx, core, op, offsetBlocks, numBlocks, iov)
	case status == IOPending:
		return IOSuccess, nil
	default:
		return status, nil
	}
}

// dispatchChild consults fault injection, then submits op to c's per-core
// handle, translating the offset by DataEntOffset first: every child
// offset is translated by + data_ent_offset before submission. A matching
// injection, whatever its Method kind, completes the I/O as failed with
// Method.Status; a Data method does not alter the I/O buffers.
func (nx *Nexus) dispatchChild(ctx context.Context, c *Child, core string, op Op, offsetBlocks, numBlocks uint64, iov [][]byte) (bdev.CompletionStatus, error) {
	translated := offsetBlocks + nx.DataEntOffset

	if inj, hit := nx.inj.Check(c.UUID, faultOp(op), faultinject.StageSubmission, translated, numBlocks); hit {
		klog.V(4).Infof("nexus: %s: fault injected on child %s (%s)", nx.Name, c.UUID, inj.Describe())
		return bdev.CompletionStatus{Success: false, Nvme: inj.Method.Status}, nil
	}

	h, err := c.handle(ctx, core)
	if err != nil {
		return bdev.CompletionStatus{}, err
	}

	var result bdev.CompletionStatus
	cb := func(status bdev.CompletionStatus, _ any) { result = status }

	var submitErr error
	switch op {
	case OpRead:
		submitErr = h.ReadvBlocks(ctx, iov, translated, numBlocks, cb, nil)
	case OpWrite:
		submitErr = h.WritevBlocks(ctx, iov, translated, numBlocks, cb, nil)
	case OpUnmap:
		submitErr = h.UnmapBlocks(ctx, translated, numBlocks, cb, nil)
	case OpWriteZeroes:
		submitErr = h.WriteZeroes(ctx, translated, numBlocks, cb, nil)
	case OpReset:
		submitErr = h.Reset(ctx, cb, nil)
	default:
		return bdev.CompletionStatus{}, errs.Wrap(errs.KindInvalidArgument, errs.ErrNotSupported, "op %s", op)
	}
	if submitErr != nil {
		return bdev.CompletionStatus{}, submitErr
	}

	if inj, hit := nx.inj.Check(c.UUID, faultOp(op), faultinject.StageCompletion, translated, numBlocks); hit {
		klog.V(4).Infof("nexus: %s: completion fault injected on child %s (%s)", nx.Name, c.UUID, inj.Describe())
		return bdev.CompletionStatus{Success: false, Nvme: inj.Method.Status}, nil
	}
	return result, nil
}

// onChildFailure classifies a completion or submission failure:
// InvalidOpcode is surfaced without retirement, every other classification
// marks the child for retirement.
func (nx *Nexus) onChildFailure(c *Child, core string, cls classification) {
	if cls == classInvalidOpcode {
		klog.Warningf("nexus: %s: invalid opcode from child %s, not retiring", nx.Name, c.UUID)
		return
	}

	reason := FaultIoError
	if cls == classAbortedRetry {
		reason = FaultIoError
	}

	// Retirement runs only as the asynchronous global step, dispatched as a
	// reactor task (or a goroutine when no reactor accepts it). There is no
	// synchronous per-core skip: onlineChildren() stops returning the child
	// once retireChild has marked it Faulted.
	task := func(ctx context.Context) { nx.retireChild(ctx, c, reason) }
	if r := nx.nextReactor(); r == nil || !r.Dispatch(task) {
		go nx.retireChild(context.Background(), c, reason)
	}
}

// retireChild runs the global half of retirement: pause, fault the child,
// persist, resume, and re-derive nexus state. Deduplicated per child so
// concurrent retirements from multiple cores collapse to one.
func (nx *Nexus) retireChild(ctx context.Context, c *Child, reason FaultReason) {
	_, _, _ = nx.retireGroup.Do(c.UUID, func() (any, error) {
		if c.State() == ChildFaulted {
			return nil, nil // not first time
		}

		nx.pause()
		c.MarkFaulted(reason)
		err := nx.persist(ctx, false)
		nx.resume()
		if err != nil {
			klog.Warningf("nexus: %s: failed to persist retirement of child %s: %v", nx.Name, c.UUID, err)
		}
		nx.recomputeState()
		metrics.RecordChildRetire(nx.Name, c.UUID, reason.String())
		klog.Warningf("nexus: %s: child %s retired (%s)", nx.Name, c.UUID, reason)
		return nil, nil
	})
}
