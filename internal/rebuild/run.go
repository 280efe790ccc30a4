package rebuild

import (
	"context"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/mayadata-io/nexus-engine/internal/bdev"
	"github.com/mayadata-io/nexus-engine/internal/errs"
	"github.com/mayadata-io/nexus-engine/internal/metrics"
)

type taskResult struct {
	blocks uint64
	err    error
}

// run drives the job as a sequence of batches, each up to SegmentTasks
// segments wide; pending client ops (pause/resume/stop) are consumed
// between batches rather than mid-batch.
func (j *Job) run(ctx context.Context) {
	// Apply Start's transition first: a Pause/Stop/Resume issued right after
	// Start may already have replaced opStart in the single pending slot.
	j.applyOp(opStart)
	for {
		op := j.takePending()
		if applied := j.applyOp(op); applied {
			continue
		}

		switch j.State() {
		case StateRunning:
			if done, err := j.runBatch(ctx); err != nil {
				j.finish(StateFailed, err)
				return
			} else if done {
				j.finish(StateCompleted, nil)
				return
			}
		case StateStopped, StateFailed, StateCompleted:
			return
		default:
			select {
			case <-j.wake:
			case <-ctx.Done():
				j.finish(StateFailed, errs.ErrFrontendGone)
				return
			}
		}
	}
}

func (j *Job) takePending() ClientOp {
	j.mu.Lock()
	defer j.mu.Unlock()
	op := j.pending
	j.pending = opNone
	return op
}

// applyOp applies a client/internal op to the state machine, returning true
// if the caller should loop back around (state changed without doing work).
func (j *Job) applyOp(op ClientOp) bool {
	switch op {
	case opStart:
		j.mu.Lock()
		if j.state == StatePending || j.state == StateInit {
			j.state = StateRunning
		}
		j.mu.Unlock()
		if j.State() == StateRunning {
			j.notifyAll(StateRunning)
		}
		return false
	case opPause:
		if j.State() == StateRunning {
			j.setState(StatePaused)
			return true
		}
	case opResume:
		if j.State() == StatePaused {
			j.setState(StateRunning)
			return false
		}
	case opStop:
		s := j.State()
		if !s.terminal() {
			j.setState(StateStopping)
			j.finish(StateStopped, nil)
			return true
		}
	}
	return false
}

// runBatch copies up to SegmentTasks segments concurrently and waits for
// all to complete. Returns done=true when the rebuild range is fully copied.
func (j *Job) runBatch(ctx context.Context) (done bool, err error) {
	j.mu.Lock()
	recovered := j.recoveredBlocks()
	total := j.totalBlocks()
	j.mu.Unlock()

	if recovered >= total {
		return true, nil
	}

	remainingBlocks := total - recovered
	segments := (remainingBlocks + j.segSizeBlocks - 1) / j.segSizeBlocks
	batch := uint64(SegmentTasks)
	if segments < batch {
		batch = segments
	}

	results := make(chan taskResult, batch)
	var launched uint64
	for launched = 0; launched < batch; launched++ {
		segStart := j.startBlock + recovered + launched*j.segSizeBlocks
		segBlocks := j.segSizeBlocks
		if segStart+segBlocks > j.endBlock {
			segBlocks = j.endBlock - segStart
		}
		atomic.AddInt32(&j.active, 1)
		go j.copySegment(ctx, segStart, segBlocks, results)
	}

	var firstErr error
	var copied uint64
	for i := uint64(0); i < launched; i++ {
		r := <-results
		atomic.AddInt32(&j.active, -1)
		if r.err != nil && firstErr == nil {
			firstErr = r.err
			continue
		}
		copied += r.blocks
	}

	if firstErr != nil {
		return false, firstErr
	}

	atomic.AddUint64(&j.recovered, copied)
	metrics.SetRebuildStats(j.SrcURI, j.DstURI, j.recoveredBlocks(), j.Stats().Progress)

	return j.recoveredBlocks() >= total, nil
}

// copySegment reads one segment from src and writes it to the same offset
// in dst, shifted by the destination's data_ent_offset.
func (j *Job) copySegment(ctx context.Context, startBlock, numBlocks uint64, results chan<- taskResult) {
	buf := make([]byte, numBlocks*uint64(j.blockSize))

	var readStatus, writeStatus bool
	var readErr, writeErr error

	readErr = j.src.ReadvBlocks(ctx, [][]byte{buf}, startBlock, numBlocks, func(s bdev.CompletionStatus, _ any) {
		readStatus = s.Success
	}, nil)
	if readErr == nil && !readStatus {
		readErr = errs.New(errs.KindInternal, "rebuild %d: read segment at block %d failed", j.Serial, startBlock)
	}
	if readErr != nil {
		results <- taskResult{err: readErr}
		return
	}

	dstStart := startBlock + j.dataEntOffset
	writeErr = j.dst.WritevBlocks(ctx, [][]byte{buf}, dstStart, numBlocks, func(s bdev.CompletionStatus, _ any) {
		writeStatus = s.Success
	}, nil)
	if writeErr == nil && !writeStatus {
		writeErr = errs.New(errs.KindInternal, "rebuild %d: write segment at block %d failed", j.Serial, dstStart)
	}
	if writeErr != nil {
		results <- taskResult{err: writeErr}
		return
	}

	klog.V(5).Infof("rebuild: job %d copied %d block(s) at %d", j.Serial, numBlocks, startBlock)
	results <- taskResult{blocks: numBlocks}
}
