// Package nexusinfo implements the persistent per-nexus child-health record:
// a tiny JSON blob keyed by nexus uuid, written on every healthy/unhealthy
// child transition and read back on nexus open to seed OutOfSync state for
// a surviving peer.
package nexusinfo

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"github.com/mayadata-io/nexus-engine/internal/errs"
)

// ChildRecord is one child's persisted health bit.
type ChildRecord struct {
	UUID    string `json:"uuid"`
	Healthy bool   `json:"healthy"`
}

// Record is the persisted nexus-info value.
type Record struct {
	CleanShutdown bool          `json:"clean_shutdown"`
	Children      []ChildRecord `json:"children"`
}

// KV is the minimal external key-value client nexus-info is built on. Any
// client offering Get/Put by key can back it; InMemory below is the only
// implementation in this module, used for tests and single-node setups.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Store is the nexus-info read/write contract.
type Store struct {
	kv      KV
	timeout time.Duration
}

// New wraps kv with a write-retry/timeout contract: a write that does not
// complete within writeTimeout blocks the triggering nexus operation.
func New(kv KV, writeTimeout time.Duration) *Store {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Store{kv: kv, timeout: writeTimeout}
}

// Read implements the read contract: absent record ⇒ nil, nil (first-run
// semantics, caller treats every listed child as healthy).
func (s *Store) Read(ctx context.Context, nexusUUID string) (*Record, error) {
	raw, ok, err := s.kv.Get(ctx, nexusUUID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "nexus-info read %s", nexusUUID)
	}
	if !ok {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "nexus-info decode %s", nexusUUID)
	}
	return &rec, nil
}

// Write implements the write contract: best-effort with retry/backoff,
// blocking the caller up to the configured timeout.
func (s *Store) Write(ctx context.Context, nexusUUID string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "nexus-info encode %s", nexusUUID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		putErr := s.kv.Put(ctx, nexusUUID, raw)
		if putErr != nil {
			klog.V(4).Infof("nexusinfo: write %s attempt %d failed: %v", nexusUUID, attempt, putErr)
		}
		return putErr
	}, bo)
	if err != nil {
		return errs.Wrap(errs.KindTimeout, err, "nexus-info write %s did not complete within %s", nexusUUID, s.timeout)
	}
	return nil
}

// InMemory is a process-local KV, used in single-node setups and tests.
type InMemory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewInMemory returns an empty in-memory KV client.
func NewInMemory() *InMemory {
	return &InMemory{data: make(map[string][]byte)}
}

func (m *InMemory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *InMemory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}
