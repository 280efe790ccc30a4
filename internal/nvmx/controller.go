package nvmx

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/mayadata-io/nexus-engine/internal/config"
	"github.com/mayadata-io/nexus-engine/internal/errs"
)

// State is a remote NVMe-oF controller's lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateRunning
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateRunning:
		return "Running"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// Namespace is a controller's single exported namespace.
type Namespace struct {
	BlockLen  uint32
	NumBlocks uint64
}

// ProbeFunc performs the transport-level connect/attach for a controller.
// Tests and fault-injection substitute a fake to drive the Initializing →
// Running / Faulted transition deterministically without real hardware.
type ProbeFunc func(ctx context.Context, p ConnectParams, cfg config.Config) error

// defaultProbe validates reachability with a plain TCP dial, standing in
// for the real SPDK async-connect probe: the NVMe-oF TCP transport itself
// is consumed through a host-side NVMe library, so this layer does not
// reimplement the wire handshake.
func defaultProbe(ctx context.Context, p ConnectParams, _ config.Config) error {
	d := net.Dialer{}
	addr := net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errs.Wrap(errs.KindOpenBdev, err, "connect to %s", addr)
	}
	return conn.Close()
}

// Controller owns one remote NVMe-oF controller.
type Controller struct {
	name        string
	id          uint64
	prchkFlags  uint32
	extHostID   []byte
	params      ConnectParams

	mu    sync.RWMutex
	state State
	ns    *Namespace

	timeout *TimeoutConfig

	adminPollerCancel context.CancelFunc
	waiters           []chan struct{}

	channelsMu sync.Mutex
	channels   map[string]*ChannelInner // core -> channel

	destroyOnce       sync.Once
	destroyInProgress atomic.Bool
}

var idSeq uint64

// Connect reserves a placeholder registry entry, runs the probe (blocking
// until it returns), and on success registers the controller, starts the
// admin poller, enumerates the namespace, and transitions to Running. On
// failure the placeholder is rolled back and an OpenBdev error is
// returned.
func Connect(ctx context.Context, rawURL string, cfg config.Config, ns Namespace, probe ProbeFunc) (*Controller, error) {
	params, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	name := params.ControllerName()

	if err := global.reservePlaceholder(name); err != nil {
		return nil, err
	}

	if probe == nil {
		probe = defaultProbe
	}

	c := &Controller{
		name:       name,
		params:     params,
		prchkFlags: prchkFlags(params),
		state:      StateInitializing,
		channels:   make(map[string]*ChannelInner),
	}
	c.timeout = newTimeoutConfig(name, c)

	if err := probe(ctx, params, cfg); err != nil {
		global.rollbackPlaceholder(name)
		return nil, errs.Wrap(errs.KindOpenBdev, err, "connect controller %s", name)
	}

	// Attach callback: assign id, register, start admin poller, enumerate
	// namespace, transition to Running.
	c.id = atomic.AddUint64(&idSeq, 1)
	nsCopy := ns
	c.ns = &nsCopy

	pollCtx, cancel := context.WithCancel(context.Background())
	c.adminPollerCancel = cancel
	go c.adminPollerLoop(pollCtx, cfg.NvmeAdminqPollPeriod)

	c.mu.Lock()
	c.state = StateRunning
	c.mu.Unlock()

	global.commit(c)
	c.wakeWaiters()

	klog.V(4).Infof("nvmx: controller %s (id=%d) running, ns block_len=%d num_blocks=%d",
		c.name, c.id, ns.BlockLen, ns.NumBlocks)
	return c, nil
}

func prchkFlags(p ConnectParams) uint32 {
	var f uint32
	if p.Reftag {
		f |= 1
	}
	if p.Guard {
		f |= 2
	}
	return f
}

func (c *Controller) adminPollerLoop(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = time.Millisecond
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// Admin-queue servicing point; nothing outstanding in this
			// simulation beyond keep-alive bookkeeping.
		}
	}
}

func (c *Controller) wakeWaiters() {
	c.mu.Lock()
	ws := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range ws {
		close(w)
	}
}

// Name returns the controller's registry key.
func (c *Controller) Name() string { return c.name }

// ID returns the controller's numeric identifier.
func (c *Controller) ID() uint64 { return c.id }

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Namespace returns the controller's single exported namespace.
func (c *Controller) Namespace() Namespace {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ns == nil {
		return Namespace{}
	}
	return *c.ns
}

// Timeout returns the controller's timeout-escalation state machine.
func (c *Controller) Timeout() *TimeoutConfig { return c.timeout }

func (c *Controller) setFaulted() {
	c.mu.Lock()
	c.state = StateFaulted
	c.mu.Unlock()
}

// registerChannel / deregisterChannel track live per-core channels so
// Destroy can tear every one of them down.
func (c *Controller) registerChannel(core string, ch *ChannelInner) {
	c.channelsMu.Lock()
	c.channels[core] = ch
	c.channelsMu.Unlock()
}

func (c *Controller) deregisterChannel(core string) {
	c.channelsMu.Lock()
	delete(c.channels, core)
	c.channelsMu.Unlock()
}

func (c *Controller) snapshotChannels() []*ChannelInner {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	out := make([]*ChannelInner, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// reconnectAllChannels is the controller-wide ResetFunc handed to the
// timeout ladder: a reset means every channel's qpair drops and
// reconnects, not just the one that noticed the timeout.
func (c *Controller) reconnectAllChannels(ctx context.Context) error {
	var firstErr error
	for _, ch := range c.snapshotChannels() {
		ch.Reset()
		if err := ch.Reinitialize(ctx, ch.connect); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Destroy deregisters the controller from both registry maps, stops the
// admin poller, and tears down every channel.
func (c *Controller) Destroy(ctx context.Context) error {
	global.remove(c)

	if c.adminPollerCancel != nil {
		c.adminPollerCancel()
	}

	for _, ch := range c.snapshotChannels() {
		ch.shutdown()
		c.deregisterChannel(ch.core)
	}

	klog.V(4).Infof("nvmx: controller %s (id=%d) destroyed", c.name, c.id)
	return nil
}

// HotRemove is a sticky, idempotent fail+destroy: the first caller faults
// the controller, fails every channel's outstanding I/O, and tears it
// down; later callers return nil at once, without waiting for that
// teardown to finish.
func (c *Controller) HotRemove(ctx context.Context) error {
	if !c.destroyInProgress.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	c.destroyOnce.Do(func() {
		c.setFaulted()
		for _, ch := range c.snapshotChannels() {
			ch.failAllOutstanding()
		}
		err = c.Destroy(ctx)
	})
	return err
}
