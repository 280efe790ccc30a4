// Package rebuild implements a bounded-parallel segment-copy engine: a
// background job that copies a source child onto a destination child in
// fixed-size segments, with a pause/resume/stop/fail/complete state machine
// and live progress statistics.
package rebuild

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/mayadata-io/nexus-engine/internal/bdev"
	"github.com/mayadata-io/nexus-engine/internal/errs"
)

// SegmentTasks is the size of the job's bounded-parallel copy-task pool.
const SegmentTasks = 4

// SegmentSizeBytes is the size of one copy segment.
const SegmentSizeBytes = 10 * 1024

// State is the rebuild job's lifecycle state machine.
type State int

const (
	StateInit State = iota
	StatePending
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateFailing
	StateFailed
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StatePending:
		return "Pending"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateFailing:
		return "Failing"
	case StateFailed:
		return "Failed"
	case StateCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

// terminal reports whether s is one the run loop never leaves.
func (s State) terminal() bool {
	return s == StateStopped || s == StateFailed || s == StateCompleted
}

// ClientOp is one of the client-visible operations on a running job.
type ClientOp int

const (
	opNone ClientOp = iota
	opStart
	opStop
	opPause
	opResume
)

// Stats is a live progress snapshot of a rebuild job.
type Stats struct {
	BlocksTotal      uint64
	BlocksRecovered  uint64
	BlocksTransferred uint64
	BlocksRemaining  uint64
	Progress         int // percent, 0-100
	BlocksPerTask    uint64
	BlockSize        uint32
	TasksTotal       int
	TasksActive      int32
	StartTime        time.Time
	EndTime          *time.Time
	IsPartial        bool
}

// Job is a single source-to-destination rebuild job.
type Job struct {
	Serial int64
	SrcURI string
	DstURI string

	src bdev.Handle
	dst bdev.Handle

	startBlock    uint64
	endBlock      uint64
	segSizeBlocks uint64
	blockSize     uint32
	dataEntOffset uint64
	isPartial     bool

	mu        sync.Mutex
	state     State
	pending   ClientOp
	err       error
	recovered uint64
	active    int32
	startTime time.Time
	endTime   *time.Time

	wake     chan struct{}
	notify   chan State // unbuffered-safe fan-out handled by notifyAll
	notifyMu sync.Mutex
	waiters  []chan State

	done     chan struct{}
	doneOnce sync.Once

	runOnce sync.Once
}

// New constructs a rebuild job from block-aligned source/destination
// handles, validating the size/block_len match and sub-range bound.
func New(serial int64, srcURI, dstURI string, src, dst bdev.Handle, srcDev, dstDev bdev.Device, startBlock, endBlock uint64, dataEntOffsetBlocks uint64, isPartial bool) (*Job, error) {
	if srcDev.SizeInBytes() != dstDev.SizeInBytes() || srcDev.BlockLen() != dstDev.BlockLen() {
		return nil, errs.New(errs.KindInvalidArgument, "rebuild %s->%s: size/block_len mismatch", srcURI, dstURI)
	}
	if endBlock <= startBlock || endBlock > dstDev.NumBlocks() {
		return nil, errs.New(errs.KindInvalidArgument, "rebuild %s->%s: range [%d,%d) out of bounds", srcURI, dstURI, startBlock, endBlock)
	}

	blockSize := dstDev.BlockLen()
	segBlocks := SegmentSizeBytes / uint64(blockSize)
	if segBlocks == 0 {
		segBlocks = 1
	}

	return &Job{
		Serial:        serial,
		SrcURI:        srcURI,
		DstURI:        dstURI,
		src:           src,
		dst:           dst,
		startBlock:    startBlock,
		endBlock:      endBlock,
		segSizeBlocks: segBlocks,
		blockSize:     blockSize,
		dataEntOffset: dataEntOffsetBlocks,
		isPartial:     isPartial,
		state:         StateInit,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}, nil
}

func (j *Job) wakeLoop() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// setPending records a client-visible op for the run loop to consume
// between segments.
func (j *Job) setPending(op ClientOp) {
	j.mu.Lock()
	j.pending = op
	j.mu.Unlock()
	j.wakeLoop()
}

// Start transitions Init/Pending → Running and launches the run loop on
// first call.
func (j *Job) Start(ctx context.Context) {
	j.mu.Lock()
	if j.state == StateInit {
		j.state = StatePending
		j.startTime = time.Now()
	}
	j.mu.Unlock()
	j.setPending(opStart)
	j.runOnce.Do(func() { go j.run(ctx) })
}

// Stop requests the job stop after draining in-flight segments.
func (j *Job) Stop() { j.setPending(opStop) }

// Pause requests the job pause after draining in-flight segments.
func (j *Job) Pause() { j.setPending(opPause) }

// Resume requests a paused job resume copying.
func (j *Job) Resume() { j.setPending(opResume) }

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the job's recorded error, if Failed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done returns a channel closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Subscribe registers a channel that receives every state transition. The
// channel is buffered by the caller's choice; a full channel drops the
// oldest notification rather than blocking the run loop.
func (j *Job) Subscribe(ch chan State) {
	j.notifyMu.Lock()
	defer j.notifyMu.Unlock()
	j.waiters = append(j.waiters, ch)
}

func (j *Job) notifyAll(s State) {
	j.notifyMu.Lock()
	defer j.notifyMu.Unlock()
	for _, ch := range j.waiters {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	if s.terminal() {
		t := time.Now()
		j.endTime = &t
	}
	j.mu.Unlock()
	j.notifyAll(s)
	klog.V(4).Infof("rebuild: job %d (%s->%s) -> %s", j.Serial, j.SrcURI, j.DstURI, s)
}

func (j *Job) finish(s State, cause error) {
	j.mu.Lock()
	j.err = cause
	j.mu.Unlock()
	j.setState(s)
	j.doneOnce.Do(func() { close(j.done) })
}

// totalBlocks is the size of the job's rebuild range.
func (j *Job) totalBlocks() uint64 { return j.endBlock - j.startBlock }

func (j *Job) recoveredBlocks() uint64 { return atomic.LoadUint64(&j.recovered) }

// Stats returns a live snapshot of the job's progress.
func (j *Job) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()

	total := j.totalBlocks()
	recovered := j.recoveredBlocks()
	remaining := uint64(0)
	if recovered < total {
		remaining = total - recovered
	}
	progress := 0
	if total > 0 {
		progress = int(recovered * 100 / total)
	}

	return Stats{
		BlocksTotal:       total,
		BlocksRecovered:   recovered,
		BlocksTransferred: recovered,
		BlocksRemaining:   remaining,
		Progress:          progress,
		BlocksPerTask:     j.segSizeBlocks,
		BlockSize:         j.blockSize,
		TasksTotal:        SegmentTasks,
		TasksActive:       atomic.LoadInt32(&j.active),
		StartTime:         j.startTime,
		EndTime:           j.endTime,
		IsPartial:         j.isPartial,
	}
}
