// Package bdev implements the uniform block-device abstraction: a Device
// exposes attributes, a Descriptor is an open reference that can be
// converted into a per-core Handle, and a Handle exposes the
// read/write/unmap/write-zeroes/reset/admin surface.
//
// Generalizes a one-shot device-health poll into a standing event-listener
// registry.
package bdev

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Device is the uniform block-device attribute surface.
type Device interface {
	Name() string
	SizeInBytes() uint64
	BlockLen() uint32
	NumBlocks() uint64
	Alignment() uint32
	ProductName() string
	DriverName() string
	UUID() uuid.UUID
	IOTypeSupported(t IOType) bool
	Stats() IoStats
	ClaimedBy() string
}

// Descriptor is an open-but-not-yet-channeled reference to a Device.
type Descriptor interface {
	Device() Device
	// Handle returns the per-core I/O handle for this descriptor, creating
	// channel-level resources on first use for the given core key.
	Handle(ctx context.Context, core string) (Handle, error)
	// ReadOnly reports whether the descriptor was opened read-only.
	ReadOnly() bool
	// Close releases the descriptor. The device is not freed until every
	// descriptor and every handle derived from it have been dropped.
	Close() error
}

// Handle is the per-core I/O surface exposed by an open descriptor.
type Handle interface {
	Device() Device

	ReadAt(ctx context.Context, offsetBytes uint64, buf []byte) (int, error)
	WriteAt(ctx context.Context, offsetBytes uint64, buf []byte) (int, error)

	ReadvBlocks(ctx context.Context, iov [][]byte, offsetBlocks, numBlocks uint64, cb CompletionFn, cbArg any) error
	WritevBlocks(ctx context.Context, iov [][]byte, offsetBlocks, numBlocks uint64, cb CompletionFn, cbArg any) error

	UnmapBlocks(ctx context.Context, offsetBlocks, numBlocks uint64, cb CompletionFn, cbArg any) error
	WriteZeroes(ctx context.Context, offsetBlocks, numBlocks uint64, cb CompletionFn, cbArg any) error
	Reset(ctx context.Context, cb CompletionFn, cbArg any) error

	NvmeAdmin(ctx context.Context, cmd uint8, buf []byte) error
	NvmeAdminCustom(ctx context.Context, opcode uint8) error
	NvmeIdentifyCtrlr(ctx context.Context) ([]byte, error)
}

// Listener receives device lifecycle events outside of any internal lock.
type Listener func(Event)

var (
	listenersMu sync.RWMutex
	listeners   = map[string][]Listener{}
)

// Subscribe registers l to receive events for the device named name.
func Subscribe(name string, l Listener) {
	listenersMu.Lock()
	defer listenersMu.Unlock()
	listeners[name] = append(listeners[name], l)
}

// Unsubscribe drops every listener registered for name.
func Unsubscribe(name string) {
	listenersMu.Lock()
	defer listenersMu.Unlock()
	delete(listeners, name)
}

// emit fans e out to name's listeners. Always called outside of any
// device-internal lock.
func emit(name string, kind EventKind) {
	listenersMu.RLock()
	ls := append([]Listener(nil), listeners[name]...)
	listenersMu.RUnlock()

	e := Event{Kind: kind, Device: name}
	for _, l := range ls {
		l(e)
	}
	klog.V(5).Infof("bdev: emitted %v for %s to %d listener(s)", kind, name, len(ls))
}
