package nvmx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayadata-io/nexus-engine/internal/errs"
)

func TestQpairSyncConnectStateMachine(t *testing.T) {
	q := newQpair(nil)
	assert.Equal(t, QpairDisconnected, q.State())

	require.NoError(t, q.SyncConnect(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, QpairConnected, q.State())

	// Idempotent once Connected: the connect hook must not be invoked again.
	called := false
	require.NoError(t, q.SyncConnect(context.Background(), func(context.Context) error {
		called = true
		return nil
	}))
	assert.False(t, called)
	assert.Equal(t, QpairConnected, q.State())
}

func TestQpairSyncConnectFailureReturnsToDisconnected(t *testing.T) {
	q := newQpair(nil)
	err := q.SyncConnect(context.Background(), func(context.Context) error { return assert.AnError })
	assert.Error(t, err)
	assert.Equal(t, QpairDisconnected, q.State())

	// A disconnected qpair can retry.
	require.NoError(t, q.SyncConnect(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, QpairConnected, q.State())
}

func TestQpairDropIsTerminal(t *testing.T) {
	q := newQpair(nil)
	require.NoError(t, q.SyncConnect(context.Background(), func(context.Context) error { return nil }))

	q.Drop()
	assert.Equal(t, QpairDropped, q.State())

	err := q.SyncConnect(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, errs.ErrDropped)
	assert.Equal(t, QpairDropped, q.State(), "Dropped must never transition back to Connected")
}

func TestQpairAsyncConnectTransitionsToConnected(t *testing.T) {
	q := newQpair(nil)
	ch := q.AsyncConnect(context.Background(), func(context.Context) error { return nil })

	err := <-ch
	require.NoError(t, err)
	assert.Equal(t, QpairConnected, q.State())
}

func TestQpairAsyncConnectWhileConnectingFansOutToAllWaiters(t *testing.T) {
	q := newQpair(nil)
	started := make(chan struct{})
	release := make(chan struct{})

	first := q.AsyncConnect(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	assert.Equal(t, QpairConnecting, q.State())

	second := q.AsyncConnect(context.Background(), func(context.Context) error {
		t.Fatal("second AsyncConnect must not invoke its own connect hook while already connecting")
		return nil
	})

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, QpairConnected, q.State())
}

func TestQpairDroppedDuringAsyncConnectDiscardsResult(t *testing.T) {
	q := newQpair(nil)
	started := make(chan struct{})
	release := make(chan struct{})

	resultCh := q.AsyncConnect(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	q.Drop()
	close(release)

	err := <-resultCh
	assert.ErrorIs(t, err, errs.ErrDropped)
	assert.Equal(t, QpairDropped, q.State())
}
