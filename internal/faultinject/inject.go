// Package faultinject implements a stage/op/device/block-range/time-window
// matched fault generator, used by tests to deterministically exercise the
// nexus retirement and retry paths.
package faultinject

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mayadata-io/nexus-engine/internal/bdev"
	"github.com/mayadata-io/nexus-engine/internal/errs"
)

// Domain is the subsystem a fault is injected into.
type Domain int

const (
	DomainNexusChild Domain = iota
	DomainBlockDevice
	DomainBdevIo
)

// IOOperation is the operation a fault matches.
type IOOperation int

const (
	OpRead IOOperation = iota
	OpWrite
	OpReadWrite
)

// IOStage is the point in the I/O lifecycle a fault matches.
type IOStage int

const (
	StageSubmission IOStage = iota
	StageCompletion
)

// MethodKind tags the Method variant: a known NVMe status kind, generic
// data corruption, or an arbitrary extension string.
type MethodKind int

const (
	MethodStatus MethodKind = iota
	MethodData
	MethodExtended
)

// Method is the tagged variant {Status(NvmeKind) | Data | Extended(form)}.
type Method struct {
	Kind     MethodKind
	Status   bdev.NvmeStatusKind
	Extended string
}

// BlockRange is a half-open [Offset, Offset+NumBlocks) range.
type BlockRange struct {
	Offset   uint64
	NumBlocks uint64
}

func (r BlockRange) overlaps(offset, numBlocks uint64) bool {
	if r.NumBlocks == 0 {
		return true
	}
	end := r.Offset + r.NumBlocks
	reqEnd := offset + numBlocks
	return offset < end && reqEnd > r.Offset
}

// TimeRange is [Begin, End) measured from arm time.
type TimeRange struct {
	Begin time.Duration
	End   time.Duration
}

// Injection is one armed fault-injection rule.
type Injection struct {
	Domain     Domain
	Device     string
	Op         IOOperation
	Stage      IOStage
	Method     Method
	Range      TimeRange
	Block      BlockRange
	MaxRetries uint64

	armedAt time.Time
	mu      sync.Mutex
	hits    uint64
}

// Parse parses a fault-injection URI:
// inject://DEVICE_NAME?domain=..&op=..&stage=..&method=..&begin_at=..&end_at=..&offset=..&num_blk=..&retries=..
func Parse(raw string) (*Injection, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidArgument, err, "parse fault injection url %q", raw)
	}
	if u.Scheme != "inject" {
		return nil, errs.New(errs.KindInvalidArgument, "fault url %q: unsupported scheme %q", raw, u.Scheme)
	}

	inj := &Injection{
		Device:     u.Host,
		MaxRetries: ^uint64(0), // default retries = u64::MAX: never self-disarms
	}

	q := u.Query()

	switch q.Get("domain") {
	case "nexus_child", "":
		inj.Domain = DomainNexusChild
	case "block":
		inj.Domain = DomainBlockDevice
	case "bdev_io":
		inj.Domain = DomainBdevIo
	default:
		return nil, errs.New(errs.KindInvalidArgument, "fault url %q: unknown domain %q", raw, q.Get("domain"))
	}

	switch q.Get("op") {
	case "read":
		inj.Op = OpRead
	case "write":
		inj.Op = OpWrite
	case "read_write", "":
		inj.Op = OpReadWrite
	default:
		return nil, errs.New(errs.KindInvalidArgument, "fault url %q: unknown op %q", raw, q.Get("op"))
	}

	switch q.Get("stage") {
	case "submit", "":
		inj.Stage = StageSubmission
	case "compl":
		inj.Stage = StageCompletion
	default:
		return nil, errs.New(errs.KindInvalidArgument, "fault url %q: unknown stage %q", raw, q.Get("stage"))
	}

	method := q.Get("method")
	switch {
	case method == "" || method == "status":
		inj.Method = Method{Kind: MethodStatus, Status: bdev.NvmeStatusOther}
	case method == "data":
		inj.Method = Method{Kind: MethodData}
	default:
		inj.Method = Method{Kind: MethodExtended, Extended: method}
	}

	if v := q.Get("begin_at"); v != "" {
		ms, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			return nil, errs.New(errs.KindInvalidArgument, "fault url %q: bad begin_at", raw)
		}
		inj.Range.Begin = time.Duration(ms) * time.Millisecond
	}
	if v := q.Get("end_at"); v != "" {
		ms, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			return nil, errs.New(errs.KindInvalidArgument, "fault url %q: bad end_at", raw)
		}
		inj.Range.End = time.Duration(ms) * time.Millisecond
	}
	if inj.Range.End != 0 && inj.Range.Begin > inj.Range.End {
		return nil, errs.New(errs.KindInvalidArgument, "fault url %q: begin_at > end_at", raw)
	}

	if v := q.Get("offset"); v != "" {
		n, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			return nil, errs.New(errs.KindInvalidArgument, "fault url %q: bad offset", raw)
		}
		inj.Block.Offset = n
	}
	if v := q.Get("num_blk"); v != "" {
		n, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			return nil, errs.New(errs.KindInvalidArgument, "fault url %q: bad num_blk", raw)
		}
		inj.Block.NumBlocks = n
	}
	if v := q.Get("retries"); v != "" {
		n, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			return nil, errs.New(errs.KindInvalidArgument, "fault url %q: bad retries", raw)
		}
		inj.MaxRetries = n
	}

	inj.armedAt = time.Now()
	return inj, nil
}

// Match reports whether this injection applies to the given device/op/stage
// at block offset/count, consuming one hit if so. Self-disarms once
// MaxRetries hits have been consumed.
func (inj *Injection) Match(device string, op IOOperation, stage IOStage, offsetBlocks, numBlocks uint64) bool {
	if device != inj.Device || stage != inj.Stage {
		return false
	}
	if inj.Op != OpReadWrite && inj.Op != op {
		return false
	}
	if !inj.Block.overlaps(offsetBlocks, numBlocks) {
		return false
	}

	inj.mu.Lock()
	defer inj.mu.Unlock()

	if inj.hits >= inj.MaxRetries {
		return false
	}

	elapsed := time.Since(inj.armedAt)
	if elapsed < inj.Range.Begin {
		return false
	}
	if inj.Range.End != 0 && elapsed >= inj.Range.End {
		return false
	}

	inj.hits++
	return true
}

// Hits returns the number of times this injection has fired.
func (inj *Injection) Hits() uint64 {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.hits
}

// Registry holds armed injections, keyed by device name.
type Registry struct {
	mu   sync.RWMutex
	byDev map[string][]*Injection
}

// NewRegistry returns an empty fault-injection registry.
func NewRegistry() *Registry {
	return &Registry{byDev: make(map[string][]*Injection)}
}

// Arm parses and registers raw, returning the armed Injection.
func (r *Registry) Arm(raw string) (*Injection, error) {
	inj, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.byDev[inj.Device] = append(r.byDev[inj.Device], inj)
	r.mu.Unlock()
	return inj, nil
}

// Disarm removes every injection registered for device.
func (r *Registry) Disarm(device string) {
	r.mu.Lock()
	delete(r.byDev, device)
	r.mu.Unlock()
}

// Check reports whether any armed injection on device matches, returning
// the first one that does.
func (r *Registry) Check(device string, op IOOperation, stage IOStage, offsetBlocks, numBlocks uint64) (*Injection, bool) {
	r.mu.RLock()
	injections := append([]*Injection(nil), r.byDev[device]...)
	r.mu.RUnlock()

	for _, inj := range injections {
		if inj.Match(device, op, stage, offsetBlocks, numBlocks) {
			return inj, true
		}
	}
	return nil, false
}

// Describe renders a short human summary, used in the nexus's
// fault-injected log lines.
func (inj *Injection) Describe() string {
	return fmt.Sprintf("device=%s op=%d stage=%d hits=%d/%d", inj.Device, inj.Op, inj.Stage, inj.Hits(), inj.MaxRetries)
}
