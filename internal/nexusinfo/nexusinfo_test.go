package nexusinfo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreReadAbsentRecordReturnsNilNil(t *testing.T) {
	s := New(NewInMemory(), time.Second)
	rec, err := s.Read(context.Background(), "nexus-0")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStoreWriteReadRoundTrip(t *testing.T) {
	s := New(NewInMemory(), time.Second)
	want := Record{
		CleanShutdown: false,
		Children: []ChildRecord{
			{UUID: "child-a", Healthy: true},
			{UUID: "child-b", Healthy: false},
		},
	}
	require.NoError(t, s.Write(context.Background(), "nexus-0", want))

	got, err := s.Read(context.Background(), "nexus-0")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
}

type flakyKV struct {
	failCount int
	inner     *InMemory
}

func (f *flakyKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return f.inner.Get(ctx, key)
}

func (f *flakyKV) Put(ctx context.Context, key string, value []byte) error {
	if f.failCount > 0 {
		f.failCount--
		return errors.New("transient put failure")
	}
	return f.inner.Put(ctx, key, value)
}

func TestStoreWriteRetriesThroughTransientFailures(t *testing.T) {
	kv := &flakyKV{failCount: 2, inner: NewInMemory()}
	s := New(kv, 5*time.Second)

	err := s.Write(context.Background(), "nexus-0", Record{CleanShutdown: true})
	require.NoError(t, err)

	got, err := s.Read(context.Background(), "nexus-0")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CleanShutdown)
}

type alwaysFailKV struct{}

func (alwaysFailKV) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (alwaysFailKV) Put(context.Context, string, []byte) error        { return errors.New("down") }

func TestStoreWriteBoundedByTimeout(t *testing.T) {
	s := New(alwaysFailKV{}, 50*time.Millisecond)
	start := time.Now()
	err := s.Write(context.Background(), "nexus-0", Record{})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
