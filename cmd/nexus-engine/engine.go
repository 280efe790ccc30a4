package main

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/mayadata-io/nexus-engine/internal/bdev"
	"github.com/mayadata-io/nexus-engine/internal/config"
	"github.com/mayadata-io/nexus-engine/internal/errs"
	"github.com/mayadata-io/nexus-engine/internal/faultinject"
	"github.com/mayadata-io/nexus-engine/internal/mbus"
	"github.com/mayadata-io/nexus-engine/internal/nexus"
	"github.com/mayadata-io/nexus-engine/internal/nexusinfo"
	"github.com/mayadata-io/nexus-engine/internal/nvmx"
	"github.com/mayadata-io/nexus-engine/internal/reactor"
	"github.com/mayadata-io/nexus-engine/internal/rebuild"
	"github.com/mayadata-io/nexus-engine/pkg/nexusapi"
)

// engine owns every nexus and rebuild job running in this process, and
// exposes the read/control operations the HTTP surface (server.go) and
// nexusctl need. This is the process-level composition root: a full
// orchestration control plane would normally create and place these
// objects, so for a single node this plays that role minimally, via the
// static manifest of manifest.go.
type engine struct {
	cfg  config.Config
	info *nexusinfo.Store
	inj  *faultinject.Registry
	bus  *mbus.Bus
	pool *reactor.Pool

	mu       sync.RWMutex
	nexuses  map[string]*nexus.Nexus
	rebuilds map[int64]*rebuild.Job
	nextJob  int64
}

// reactorCores names one reactor per available CPU, the pool openNexus and
// openChild dispatch retire tasks and channel pollers onto.
func reactorCores() []string {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	cores := make([]string, n)
	for i := range cores {
		cores[i] = strconv.Itoa(i)
	}
	return cores
}

func newEngine(cfg config.Config) *engine {
	pool := reactor.NewPool(reactorCores(), cfg.NvmeIoqPollPeriod)
	pool.Start(context.Background())

	e := &engine{
		cfg:      cfg,
		info:     nexusinfo.New(nexusinfo.NewInMemory(), cfg.NvmeTimeoutAdmin),
		inj:      faultinject.NewRegistry(),
		bus:      mbus.New(),
		pool:     pool,
		nexuses:  make(map[string]*nexus.Nexus),
		rebuilds: make(map[int64]*rebuild.Job),
	}
	return e
}

// openChild resolves a childSpec's URI into a bdev.Descriptor: file:// (or
// a bare path) opens/creates a LocalFile standing in for an LVS replica;
// nvmf:// connects a remote NVMe-oF controller.
func (e *engine) openChild(ctx context.Context, cs childSpec) (bdev.Descriptor, error) {
	switch {
	case strings.HasPrefix(cs.URI, "nvmf://"):
		ctrl, err := nvmx.Connect(ctx, cs.URI, e.cfg, nvmx.Namespace{BlockLen: blockLenOr(cs.BlockLen), NumBlocks: numBlocksOr(cs)}, nil)
		if err != nil {
			return nil, err
		}
		dev := bdev.NewNvmeRemote(ctrl, e.cfg, e.pool)
		return dev.OpenDescriptor(false)
	case strings.HasPrefix(cs.URI, "file://"):
		path := strings.TrimPrefix(cs.URI, "file://")
		dev, err := bdev.OpenLocalFile(cs.UUID, path, blockLenOr(cs.BlockLen), cs.SizeBytes)
		if err != nil {
			return nil, err
		}
		return dev.OpenDescriptor(false)
	default:
		return nil, errs.New(errs.KindInvalidArgument, "child %s: unsupported uri scheme %q", cs.UUID, cs.URI)
	}
}

func blockLenOr(v uint32) uint32 {
	if v == 0 {
		return 4096
	}
	return v
}

func numBlocksOr(cs childSpec) uint64 {
	bl := uint64(blockLenOr(cs.BlockLen))
	if cs.SizeBytes == 0 {
		return 0
	}
	return cs.SizeBytes / bl
}

// openNexus builds and opens one nexus from spec, wiring the engine's
// shared nexus-info store, fault registry, and reactor pool.
func (e *engine) openNexus(ctx context.Context, ns nexusSpec) error {
	nx := nexus.New(ns.Name, ns.UUID, ns.SizeBytes, ns.DataEntOffsetBlocks, e.info, e.inj)
	nx.SetReactorPool(e.pool)

	for _, cs := range ns.Children {
		desc, err := e.openChild(ctx, cs)
		if err != nil {
			return errs.Wrap(errs.KindOpenBdev, err, "nexus %s: open child %s", ns.Name, cs.UUID)
		}
		nx.AddChild(nexus.NewChild(cs.UUID, cs.URI, desc))
	}

	if err := nx.Open(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.nexuses[ns.Name] = nx
	e.mu.Unlock()

	e.bus.PublishNexusStateChanged(nx.UUID, nx.Name, nx.State().String())
	klog.Infof("engine: nexus %s (%s) opened with %d child(ren), state=%s", ns.Name, ns.UUID, len(ns.Children), nx.State())
	return nil
}

func (e *engine) destroyAll(ctx context.Context) {
	e.mu.RLock()
	nexuses := make([]*nexus.Nexus, 0, len(e.nexuses))
	for _, nx := range e.nexuses {
		nexuses = append(nexuses, nx)
	}
	e.mu.RUnlock()

	for _, nx := range nexuses {
		if err := nx.Destroy(ctx); err != nil {
			klog.Errorf("engine: destroy nexus %s: %v", nx.Name, err)
			continue
		}
		e.bus.PublishNexusStateChanged(nx.UUID, nx.Name, nx.State().String())
	}

	e.pool.Stop()
}

func (e *engine) getNexus(name string) (*nexus.Nexus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	nx, ok := e.nexuses[name]
	return nx, ok
}

func (e *engine) listNexusViews() []nexusapi.NexusView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]nexusapi.NexusView, 0, len(e.nexuses))
	for _, nx := range e.nexuses {
		out = append(out, viewOfNexus(nx))
	}
	return out
}

func viewOfNexus(nx *nexus.Nexus) nexusapi.NexusView {
	v := nexusapi.NexusView{
		Name:          nx.Name,
		UUID:          nx.UUID,
		State:         nx.State().String(),
		SizeBytes:     nx.SizeBytes,
		DataEntOffset: nx.DataEntOffset,
		ShareURI:      nx.Publish(),
	}
	for _, c := range nx.Children() {
		v.Children = append(v.Children, nexusapi.ChildView{
			UUID:            c.UUID,
			URI:             c.URI,
			State:           c.State().String(),
			FaultReason:     c.FaultReason().String(),
			RebuildProgress: c.RebuildProgress(),
			Healthy:         c.Healthy(),
		})
	}
	return v
}

// registerRebuild tracks a newly started job under a fresh serial, and
// forwards its state transitions onto the shared event bus.
func (e *engine) registerRebuild(job *rebuild.Job, srcChildUUID string) {
	e.mu.Lock()
	e.rebuilds[job.Serial] = job
	e.mu.Unlock()

	ch := make(chan rebuild.State, 4)
	job.Subscribe(ch)
	go func() {
		for s := range ch {
			e.bus.PublishRebuildStateChanged(job.Serial, job.SrcURI, job.DstURI, s.String())
		}
	}()
	_ = srcChildUUID
}

func (e *engine) listRebuildViews() []nexusapi.RebuildView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]nexusapi.RebuildView, 0, len(e.rebuilds))
	for _, j := range e.rebuilds {
		out = append(out, viewOfRebuild(j))
	}
	return out
}

func viewOfRebuild(j *rebuild.Job) nexusapi.RebuildView {
	s := j.Stats()
	errMsg := ""
	if err := j.Err(); err != nil {
		errMsg = err.Error()
	}
	return nexusapi.RebuildView{
		Serial:            j.Serial,
		SrcURI:            j.SrcURI,
		DstURI:            j.DstURI,
		State:             j.State().String(),
		BlocksTotal:       s.BlocksTotal,
		BlocksRecovered:   s.BlocksRecovered,
		BlocksTransferred: s.BlocksTransferred,
		BlocksRemaining:   s.BlocksRemaining,
		Progress:          s.Progress,
		BlocksPerTask:     s.BlocksPerTask,
		BlockSize:         s.BlockSize,
		TasksTotal:        s.TasksTotal,
		TasksActive:       s.TasksActive,
		IsPartial:         s.IsPartial,
		StartTime:         s.StartTime,
		EndTime:           s.EndTime,
		Error:             errMsg,
	}
}

func (e *engine) rebuildOp(serial int64, op string) error {
	e.mu.RLock()
	job, ok := e.rebuilds[serial]
	e.mu.RUnlock()
	if !ok {
		return errs.New(errs.KindNotFound, "rebuild job %d not found", serial)
	}
	switch op {
	case "start":
		job.Start(context.Background())
	case "pause":
		job.Pause()
	case "resume":
		job.Resume()
	case "stop":
		job.Stop()
	default:
		return errs.New(errs.KindInvalidArgument, "unknown rebuild op %q", op)
	}
	return nil
}

func (e *engine) faultInject(uri string) error {
	_, err := e.inj.Arm(uri)
	return err
}

func (e *engine) listFaults() []nexusapi.FaultInjectionView {
	// The registry only exposes per-device lookups, so the CLI-facing
	// summary re-derives a flat view from whatever devices currently have
	// nexus children, which is the only place fault URIs are armed against
	// in this process.
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []nexusapi.FaultInjectionView
	for _, nx := range e.nexuses {
		for _, c := range nx.Children() {
			if inj, hit := e.inj.Check(c.UUID, faultinject.OpReadWrite, faultinject.StageSubmission, 0, 0); hit {
				out = append(out, nexusapi.FaultInjectionView{URI: fmt.Sprintf("inject://%s", c.UUID), Hits: inj.Hits()})
			}
		}
	}
	return out
}
