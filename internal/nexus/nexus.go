package nexus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/mayadata-io/nexus-engine/internal/errs"
	"github.com/mayadata-io/nexus-engine/internal/faultinject"
	"github.com/mayadata-io/nexus-engine/internal/mbus"
	"github.com/mayadata-io/nexus-engine/internal/metrics"
	"github.com/mayadata-io/nexus-engine/internal/nexusinfo"
	"github.com/mayadata-io/nexus-engine/internal/reactor"
)

// DefaultDataEntOffsetBlocks reserves space for the nexus label ahead of
// host data, matching the "block offset at which host data begins" role of
// data_ent_offset. 2048 4K-ish blocks (≈8-10MiB) is the order of magnitude
// of a typical label region.
const DefaultDataEntOffsetBlocks = 2048

// Nexus is the virtual-volume bdev: it fans writes out to every healthy
// child, round-robins reads across the readable set, accounts in-flight
// host I/O, classifies and retries child failures, and retires children
// that no longer answer.
type Nexus struct {
	Name          string
	UUID          string
	SizeBytes     uint64
	DataEntOffset uint64 // blocks

	info *nexusinfo.Store
	inj  *faultinject.Registry
	bus  *mbus.Bus
	pool *reactor.Pool

	mu       sync.RWMutex
	state    State
	children []*Child

	readIdxMu sync.Mutex
	readIdx   map[string]int // core -> next read-child index

	pausedMu sync.Mutex
	paused   bool

	retireGroup singleflight.Group
}

// New constructs a nexus in Init state. dataEntOffsetBlocks of 0 applies
// DefaultDataEntOffsetBlocks.
func New(name, uuid string, sizeBytes uint64, dataEntOffsetBlocks uint64, info *nexusinfo.Store, inj *faultinject.Registry) *Nexus {
	if dataEntOffsetBlocks == 0 {
		dataEntOffsetBlocks = DefaultDataEntOffsetBlocks
	}
	if inj == nil {
		inj = faultinject.NewRegistry()
	}
	return &Nexus{
		Name:          name,
		UUID:          uuid,
		SizeBytes:     sizeBytes,
		DataEntOffset: dataEntOffsetBlocks,
		info:          info,
		inj:           inj,
		state:         StateInit,
		readIdx:       make(map[string]int),
	}
}

// SetReactorPool attaches the reactor pool that retire tasks dispatch onto.
// A nexus with no pool set falls back to a plain goroutine per retire,
// which is how tests exercise retirement without standing up a pool.
func (nx *Nexus) SetReactorPool(p *reactor.Pool) {
	nx.pool = p
}

// nextReactor returns the next reactor to dispatch a retire task onto, or
// nil if no pool is attached or the pool is empty.
func (nx *Nexus) nextReactor() *reactor.Reactor {
	if nx.pool == nil {
		return nil
	}
	return nx.pool.Next()
}

// AddChild attaches a child while the nexus is being assembled (before
// Open). Children start Init and are reconciled against nexus-info by Open.
func (nx *Nexus) AddChild(c *Child) {
	nx.mu.Lock()
	defer nx.mu.Unlock()
	nx.children = append(nx.children, c)
}

// Children returns a snapshot of the nexus's children.
func (nx *Nexus) Children() []*Child {
	nx.mu.RLock()
	defer nx.mu.RUnlock()
	out := make([]*Child, len(nx.children))
	copy(out, nx.children)
	return out
}

// State returns the nexus's current lifecycle/derived-health state.
func (nx *Nexus) State() State {
	nx.mu.RLock()
	defer nx.mu.RUnlock()
	return nx.state
}

// Open reads the nexus-info record and marks children absent from it (or
// recorded unhealthy) as OutOfSync; everything else present-and-healthy, or
// absent entirely (first run), goes Online. Open ends by writing the
// current child-health view with clean_shutdown = false, which on first
// run establishes the baseline record.
func (nx *Nexus) Open(ctx context.Context) error {
	nx.mu.Lock()
	if nx.state != StateInit {
		nx.mu.Unlock()
		return errs.New(errs.KindInvalidArgument, "nexus %s: open called in state %s", nx.Name, nx.state)
	}
	children := append([]*Child(nil), nx.children...)
	nx.mu.Unlock()

	if len(children) == 0 {
		return errs.New(errs.KindInvalidArgument, "nexus %s: no children", nx.Name)
	}

	rec, err := nx.info.Read(ctx, nx.UUID)
	if err != nil {
		return err
	}

	healthy := make(map[string]bool)
	if rec != nil {
		for _, cr := range rec.Children {
			healthy[cr.UUID] = cr.Healthy
		}
	}

	for _, c := range children {
		if rec == nil {
			c.MarkOnline()
			continue
		}
		if h, present := healthy[c.UUID]; present && h {
			c.MarkOnline()
		} else {
			c.MarkOutOfSync()
		}
	}

	nx.mu.Lock()
	nx.state = StateOpen
	nx.mu.Unlock()
	nx.recomputeState()

	return nx.persist(ctx, false)
}

// persist writes the current child-health view to nexus-info, on creation,
// health transitions, and clean shutdown. cleanShutdown is only ever set
// true from Destroy.
func (nx *Nexus) persist(ctx context.Context, cleanShutdown bool) error {
	rec := nexusinfo.Record{CleanShutdown: cleanShutdown}
	for _, c := range nx.Children() {
		rec.Children = append(rec.Children, nexusinfo.ChildRecord{UUID: c.UUID, Healthy: c.Healthy()})
	}
	return nx.info.Write(ctx, nx.UUID, rec)
}

// recomputeState derives Online/Degraded/Faulted from child states, since
// nexus health is never set directly, then records the gauge.
func (nx *Nexus) recomputeState() {
	children := nx.Children()
	var online, other int
	for _, c := range children {
		if c.State() == ChildOnline {
			online++
		} else {
			other++
		}
	}

	nx.mu.Lock()
	switch {
	case nx.state == StateClosed:
		// terminal, no recompute
	case online == 0:
		nx.state = StateFaulted
	case other == 0:
		nx.state = StateOnline
	default:
		nx.state = StateDegraded
	}
	s := nx.state
	nx.mu.Unlock()

	metrics.SetNexusChildState(nx.Name, "online", float64(online))
	metrics.SetNexusChildState(nx.Name, "other", float64(other))
	klog.V(4).Infof("nexus: %s state -> %s (%d online, %d other)", nx.Name, s, online, other)
}

// Publish obtains a shareable NVMe-oF URI for the nexus. The transport
// share itself is out of scope; this records the logical name a consumer
// would dial.
func (nx *Nexus) Publish() string {
	return fmt.Sprintf("nvmf://nexus/%s", nx.UUID)
}

// Destroy closes every child descriptor, then marks clean_shutdown = true
// as the last persisted step.
func (nx *Nexus) Destroy(ctx context.Context) error {
	nx.mu.Lock()
	if nx.state == StateClosed {
		nx.mu.Unlock()
		return nil
	}
	children := append([]*Child(nil), nx.children...)
	nx.mu.Unlock()

	var firstErr error
	for _, c := range children {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	nx.mu.Lock()
	nx.state = StateClosed
	nx.mu.Unlock()

	if err := nx.persist(ctx, true); err != nil && firstErr == nil {
		firstErr = err
	}
	klog.V(4).Infof("nexus: %s destroyed", nx.Name)
	return firstErr
}

// pause/resume bracket a child retirement: while paused, Submit blocks new
// host I/O until Resume.
func (nx *Nexus) pause() {
	nx.pausedMu.Lock()
	nx.paused = true
	nx.pausedMu.Unlock()
}

func (nx *Nexus) resume() {
	nx.pausedMu.Lock()
	nx.paused = false
	nx.pausedMu.Unlock()
}

func (nx *Nexus) waitIfPaused() {
	for {
		nx.pausedMu.Lock()
		p := nx.paused
		nx.pausedMu.Unlock()
		if !p {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func faultOp(op Op) faultinject.IOOperation {
	switch op {
	case OpRead:
		return faultinject.OpRead
	case OpWrite, OpUnmap, OpWriteZeroes, OpReset:
		return faultinject.OpWrite
	default:
		return faultinject.OpReadWrite
	}
}
