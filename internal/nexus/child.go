package nexus

import (
	"context"
	"sync"

	"github.com/mayadata-io/nexus-engine/internal/bdev"
	"github.com/mayadata-io/nexus-engine/internal/errs"
)

// Child is one nexus child: a URI-addressed block device plus the runtime
// state the nexus tracks for it.
type Child struct {
	UUID string
	URI  string

	dev  bdev.Device
	desc bdev.Descriptor

	mu               sync.RWMutex
	state            ChildState
	reason           FaultReason
	rebuildProgress  uint32

	handlesMu sync.Mutex
	handles   map[string]bdev.Handle // core -> handle
}

// NewChild wraps an already-opened descriptor as a nexus child, starting in
// Init state.
func NewChild(uuid, uri string, desc bdev.Descriptor) *Child {
	return &Child{
		UUID:    uuid,
		URI:     uri,
		dev:     desc.Device(),
		desc:    desc,
		state:   ChildInit,
		handles: make(map[string]bdev.Handle),
	}
}

// State returns the child's current runtime state.
func (c *Child) State() ChildState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// FaultReason returns the reason the child is Faulted, if it is.
func (c *Child) FaultReason() FaultReason {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

func (c *Child) setState(s ChildState, reason FaultReason) {
	c.mu.Lock()
	c.state = s
	c.reason = reason
	c.mu.Unlock()
}

// MarkOnline transitions the child to Online, clearing any fault reason.
func (c *Child) MarkOnline() { c.setState(ChildOnline, FaultNone) }

// MarkOutOfSync transitions the child to OutOfSync (needs a rebuild before
// it counts as Online).
func (c *Child) MarkOutOfSync() { c.setState(ChildOutOfSync, FaultNone) }

// MarkFaulted transitions the child to Faulted with reason.
func (c *Child) MarkFaulted(reason FaultReason) { c.setState(ChildFaulted, reason) }

// RebuildProgress returns the last reported rebuild-progress hint, 0-100.
func (c *Child) RebuildProgress() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rebuildProgress
}

// SetRebuildProgress updates the rebuild-progress hint.
func (c *Child) SetRebuildProgress(pct uint32) {
	c.mu.Lock()
	c.rebuildProgress = pct
	c.mu.Unlock()
}

// Healthy reports the nexus-info "healthy" bit for this child: Online
// children are healthy, everything else (including OutOfSync) is not.
func (c *Child) Healthy() bool { return c.State() == ChildOnline }

// handle returns (creating on first use) the per-core handle for this
// child, converting the descriptor to a handle on demand, per core.
func (c *Child) handle(ctx context.Context, core string) (bdev.Handle, error) {
	c.handlesMu.Lock()
	defer c.handlesMu.Unlock()
	if h, ok := c.handles[core]; ok {
		return h, nil
	}
	h, err := c.desc.Handle(ctx, core)
	if err != nil {
		return nil, err
	}
	c.handles[core] = h
	return h, nil
}

// Close releases the child's descriptor (and transitively, every handle
// derived from it, once the device's own refcounting drops them).
func (c *Child) Close() error {
	c.setState(ChildClosed, FaultNone)
	if c.desc == nil {
		return nil
	}
	if err := c.desc.Close(); err != nil {
		return errs.Wrap(errs.KindInternal, err, "close child %s", c.UUID)
	}
	return nil
}

// Device exposes the wrapped block device, e.g. for size/alignment checks
// when validating a rebuild pair.
func (c *Child) Device() bdev.Device { return c.dev }
