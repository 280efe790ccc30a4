package rebuild

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayadata-io/nexus-engine/internal/bdev"
)

type fakeDevice struct {
	sizeBytes uint64
	blockLen  uint32
}

func (d *fakeDevice) Name() string                    { return "fake" }
func (d *fakeDevice) SizeInBytes() uint64              { return d.sizeBytes }
func (d *fakeDevice) BlockLen() uint32                 { return d.blockLen }
func (d *fakeDevice) NumBlocks() uint64                { return d.sizeBytes / uint64(d.blockLen) }
func (d *fakeDevice) Alignment() uint32                { return d.blockLen }
func (d *fakeDevice) ProductName() string              { return "fake" }
func (d *fakeDevice) DriverName() string               { return "fake" }
func (d *fakeDevice) UUID() uuid.UUID                  { return uuid.Nil }
func (d *fakeDevice) IOTypeSupported(bdev.IOType) bool { return true }
func (d *fakeDevice) Stats() bdev.IoStats              { return bdev.IoStats{} }
func (d *fakeDevice) ClaimedBy() string                { return "" }

// fakeHandle is a byte-array-backed bdev.Handle for exercising the copy loop
// without real storage.
type fakeHandle struct {
	dev *fakeDevice

	mu   sync.Mutex
	data []byte
}

func newFakeHandle(dev *fakeDevice) *fakeHandle {
	return &fakeHandle{dev: dev, data: make([]byte, dev.sizeBytes)}
}

func (h *fakeHandle) Device() bdev.Device { return h.dev }

func (h *fakeHandle) ReadAt(context.Context, uint64, []byte) (int, error)  { return 0, nil }
func (h *fakeHandle) WriteAt(context.Context, uint64, []byte) (int, error) { return 0, nil }

func (h *fakeHandle) ReadvBlocks(_ context.Context, iov [][]byte, offsetBlocks, numBlocks uint64, cb bdev.CompletionFn, arg any) error {
	h.mu.Lock()
	start := offsetBlocks * uint64(h.dev.blockLen)
	n := numBlocks * uint64(h.dev.blockLen)
	copy(iov[0], h.data[start:start+n])
	h.mu.Unlock()
	cb(bdev.CompletionStatus{Success: true}, arg)
	return nil
}

func (h *fakeHandle) WritevBlocks(_ context.Context, iov [][]byte, offsetBlocks, numBlocks uint64, cb bdev.CompletionFn, arg any) error {
	h.mu.Lock()
	start := offsetBlocks * uint64(h.dev.blockLen)
	n := numBlocks * uint64(h.dev.blockLen)
	copy(h.data[start:start+n], iov[0])
	h.mu.Unlock()
	cb(bdev.CompletionStatus{Success: true}, arg)
	return nil
}

func (h *fakeHandle) UnmapBlocks(context.Context, uint64, uint64, bdev.CompletionFn, any) error { return nil }
func (h *fakeHandle) WriteZeroes(context.Context, uint64, uint64, bdev.CompletionFn, any) error { return nil }
func (h *fakeHandle) Reset(context.Context, bdev.CompletionFn, any) error                       { return nil }

func (h *fakeHandle) NvmeAdmin(context.Context, uint8, []byte) error    { return nil }
func (h *fakeHandle) NvmeAdminCustom(context.Context, uint8) error      { return nil }
func (h *fakeHandle) NvmeIdentifyCtrlr(context.Context) ([]byte, error) { return nil, nil }

func newTestJob(t *testing.T, numBlocks uint64) (*Job, *fakeHandle, *fakeHandle) {
	t.Helper()
	const blockLen = 512
	srcDev := &fakeDevice{sizeBytes: numBlocks * blockLen, blockLen: blockLen}
	dstDev := &fakeDevice{sizeBytes: numBlocks * blockLen, blockLen: blockLen}
	src := newFakeHandle(srcDev)
	dst := newFakeHandle(dstDev)

	for i := range src.data {
		src.data[i] = byte(i)
	}

	job, err := New(1, "fake://src", "fake://dst", src, dst, srcDev, dstDev, 0, numBlocks, 0, false)
	require.NoError(t, err)
	return job, src, dst
}

func TestNewRejectsSizeMismatch(t *testing.T) {
	srcDev := &fakeDevice{sizeBytes: 1024, blockLen: 512}
	dstDev := &fakeDevice{sizeBytes: 2048, blockLen: 512}
	_, err := New(1, "a", "b", newFakeHandle(srcDev), newFakeHandle(dstDev), srcDev, dstDev, 0, 2, 0, false)
	assert.Error(t, err)
}

func TestNewRejectsOutOfBoundsRange(t *testing.T) {
	srcDev := &fakeDevice{sizeBytes: 1024, blockLen: 512}
	dstDev := &fakeDevice{sizeBytes: 1024, blockLen: 512}
	_, err := New(1, "a", "b", newFakeHandle(srcDev), newFakeHandle(dstDev), srcDev, dstDev, 0, 100, 0, false)
	assert.Error(t, err)
}

func TestJobRunsToCompletionAndCopiesData(t *testing.T) {
	job, src, dst := newTestJob(t, 100)

	job.Start(context.Background())

	select {
	case <-job.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("job did not complete in time")
	}

	assert.Equal(t, StateCompleted, job.State())
	assert.NoError(t, job.Err())

	stats := job.Stats()
	assert.Equal(t, uint64(100), stats.BlocksTotal)
	assert.Equal(t, uint64(100), stats.BlocksRecovered)
	assert.Equal(t, 100, stats.Progress)

	assert.Equal(t, src.data, dst.data)
}

func TestJobPauseResume(t *testing.T) {
	job, _, _ := newTestJob(t, 1000)

	job.Start(context.Background())
	job.Pause()

	require.Eventually(t, func() bool {
		return job.State() == StatePaused
	}, time.Second, time.Millisecond)

	job.Resume()

	select {
	case <-job.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("job did not complete after resume")
	}
	assert.Equal(t, StateCompleted, job.State())
}

func TestJobStop(t *testing.T) {
	job, _, _ := newTestJob(t, 1000)

	job.Start(context.Background())
	job.Stop()

	select {
	case <-job.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("job did not stop in time")
	}
	assert.Equal(t, StateStopped, job.State())
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	job, _, _ := newTestJob(t, 10)
	ch := make(chan State, 10)
	job.Subscribe(ch)

	job.Start(context.Background())

	select {
	case <-job.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("job did not complete in time")
	}

	var sawCompleted bool
	for {
		select {
		case s := <-ch:
			if s == StateCompleted {
				sawCompleted = true
			}
		default:
			assert.True(t, sawCompleted)
			return
		}
	}
}
