package nexus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mayadata-io/nexus-engine/internal/bdev"
)

// fakeDevice/fakeDescriptor/fakeHandle are a minimal in-memory bdev.Device
// stack for exercising Nexus submission routing without real storage.
type fakeDevice struct {
	name      string
	sizeBytes uint64
	blockLen  uint32
}

func (d *fakeDevice) Name() string                    { return d.name }
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

type fakeHandle struct {
	dev *fakeDevice

	mu        sync.Mutex
	writes    []uint64 // offsetBlocks of every accepted write
	failNext  int32    // number of remaining forced failures
	nvmeOnErr bdev.NvmeStatusKind
	reads     int32
}

func (h *fakeHandle) Device() bdev.Device { return h.dev }

func (h *fakeHandle) ReadAt(context.Context, uint64, []byte) (int, error)  { return 0, nil }
func (h *fakeHandle) WriteAt(context.Context, uint64, []byte) (int, error) { return 0, nil }

func (h *fakeHandle) result() bdev.CompletionStatus {
	if atomic.LoadInt32(&h.failNext) > 0 {
		atomic.AddInt32(&h.failNext, -1)
		return bdev.CompletionStatus{Success: false, Nvme: h.nvmeOnErr}
	}
	return bdev.CompletionStatus{Success: true}
}

func (h *fakeHandle) ReadvBlocks(_ context.Context, _ [][]byte, _, _ uint64, cb bdev.CompletionFn, arg any) error {
	atomic.AddInt32(&h.reads, 1)
	cb(h.result(), arg)
	return nil
}

func (h *fakeHandle) WritevBlocks(_ context.Context, _ [][]byte, offsetBlocks, _ uint64, cb bdev.CompletionFn, arg any) error {
	st := h.result()
	if st.Success {
		h.mu.Lock()
		h.writes = append(h.writes, offsetBlocks)
		h.mu.Unlock()
	}
	cb(st, arg)
	return nil
}

func (h *fakeHandle) UnmapBlocks(_ context.Context, _, _ uint64, cb bdev.CompletionFn, arg any) error {
	cb(h.result(), arg)
	return nil
}

func (h *fakeHandle) WriteZeroes(_ context.Context, _, _ uint64, cb bdev.CompletionFn, arg any) error {
	cb(h.result(), arg)
	return nil
}

func (h *fakeHandle) Reset(_ context.Context, cb bdev.CompletionFn, arg any) error {
	cb(h.result(), arg)
	return nil
}

func (h *fakeHandle) NvmeAdmin(context.Context, uint8, []byte) error   { return nil }
func (h *fakeHandle) NvmeAdminCustom(context.Context, uint8) error     { return nil }
func (h *fakeHandle) NvmeIdentifyCtrlr(context.Context) ([]byte, error) { return nil, nil }

type fakeDescriptor struct {
	dev    *fakeDevice
	handle *fakeHandle
}

func newFakeChild(uuidStr string) (*Child, *fakeHandle) {
	dev := &fakeDevice{name: uuidStr, sizeBytes: 1 << 20, blockLen: 512}
	h := &fakeHandle{dev: dev}
	desc := &fakeDescriptor{dev: dev, handle: h}
	return NewChild(uuidStr, "fake://"+uuidStr, desc), h
}

func (d *fakeDescriptor) Device() bdev.Device { return d.dev }
func (d *fakeDescriptor) Handle(context.Context, string) (bdev.Handle, error) {
	return d.handle, nil
}
func (d *fakeDescriptor) ReadOnly() bool { return false }
func (d *fakeDescriptor) Close() error   { return nil }
