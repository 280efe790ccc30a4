// Package reactor implements a cooperative single-threaded reactor
// abstraction: one reactor goroutine per logical core slot, each draining a
// private task queue in order, with ticker-driven pollers for periodic work
// (admin queue, I/O completion, qpair connect) and a bounded cross-reactor
// dispatch channel.
//
// Generalizes a single goroutine draining a work queue into one queue per
// core, each pinned to its own OS thread.
package reactor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Task is a unit of work run on a reactor's own goroutine, never racing
// with anything else scheduled on the same core.
type Task func(ctx context.Context)

// Poller runs on every tick of its reactor until unregistered.
type Poller func(ctx context.Context)

// DispatchQueueDepth bounds the cross-reactor dispatch channel, so a
// stalled reactor applies backpressure instead of growing memory without
// limit.
const DispatchQueueDepth = 1024

// Reactor is one core's cooperative task runner.
type Reactor struct {
	Core string

	tasks chan Task

	mu       sync.Mutex
	pollers  map[string]Poller
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a reactor for core, with pollers ticking every interval
// (driven in practice by the engine's per-subsystem poll-period settings).
func New(core string, interval time.Duration) *Reactor {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &Reactor{
		Core:     core,
		tasks:    make(chan Task, DispatchQueueDepth),
		pollers:  make(map[string]Poller),
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Dispatch enqueues fn to run on the reactor's own goroutine: a bounded,
// non-blocking cross-reactor handoff. Returns false if the queue is full
// instead of blocking or growing without bound.
func (r *Reactor) Dispatch(fn Task) bool {
	select {
	case r.tasks <- fn:
		return true
	default:
		klog.Warningf("reactor: %s: dispatch queue full, dropping task", r.Core)
		return false
	}
}

// RegisterPoller attaches a named poller, invoked once per tick until
// UnregisterPoller is called: this is how admin-queue, I/O-completion, and
// qpair-connect polling get scheduled onto a reactor.
func (r *Reactor) RegisterPoller(name string, p Poller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pollers[name] = p
}

// UnregisterPoller detaches a previously registered poller.
func (r *Reactor) UnregisterPoller(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pollers, name)
}

// Run pins the calling goroutine (best-effort) to an OS thread and drains
// the reactor's task queue and poller tick until ctx is cancelled. Run
// blocks; callers invoke it as `go reactor.Run(ctx)`.
func (r *Reactor) Run(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.done)

	ctx, r.cancel = context.WithCancel(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	klog.V(4).Infof("reactor: %s: started", r.Core)
	for {
		select {
		case <-ctx.Done():
			klog.V(4).Infof("reactor: %s: stopped", r.Core)
			return
		case t := <-r.tasks:
			t(ctx)
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Reactor) pollOnce(ctx context.Context) {
	r.mu.Lock()
	ps := make([]Poller, 0, len(r.pollers))
	for _, p := range r.pollers {
		ps = append(ps, p)
	}
	r.mu.Unlock()

	for _, p := range ps {
		p(ctx)
	}
}

// Stop cancels the reactor's run loop and waits for it to exit.
func (r *Reactor) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

// Pool is a fixed set of reactors, one per named core.
type Pool struct {
	reactors map[string]*Reactor
	order    []string
	next     int
	mu       sync.Mutex
}

// NewPool constructs a reactor per core in cores, each polling at interval.
func NewPool(cores []string, interval time.Duration) *Pool {
	p := &Pool{reactors: make(map[string]*Reactor, len(cores))}
	for _, c := range cores {
		p.reactors[c] = New(c, interval)
		p.order = append(p.order, c)
	}
	return p
}

// Start launches every reactor's run loop under ctx.
func (p *Pool) Start(ctx context.Context) {
	for _, core := range p.order {
		go p.reactors[core].Run(ctx)
	}
}

// Stop stops every reactor in the pool.
func (p *Pool) Stop() {
	for _, core := range p.order {
		p.reactors[core].Stop()
	}
}

// Reactor returns the named core's reactor, or nil if unknown.
func (p *Pool) Reactor(core string) *Reactor { return p.reactors[core] }

// Next round-robins across the pool's reactors, for callers (the nexus
// submission path) that just need "some core" rather than a specific one.
func (p *Pool) Next() *Reactor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return nil
	}
	core := p.order[p.next%len(p.order)]
	p.next++
	return p.reactors[core]
}

// String names a reactor for logs/CLI output.
func (r *Reactor) String() string { return fmt.Sprintf("reactor(%s)", r.Core) }
