package nvmx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayadata-io/nexus-engine/internal/config"
)

func newTestChannel(t *testing.T) (*Controller, *ChannelInner) {
	t.Helper()
	cfg := config.Default()
	cfg.NvmeIoqPollPeriod = time.Hour // keep the background poller from interfering

	c, err := Connect(context.Background(), "nvmf://127.0.0.1:8420/nqn.test-channel-"+t.Name(), cfg, Namespace{BlockLen: 512, NumBlocks: 16}, okProbe)
	require.NoError(t, err)
	t.Cleanup(func() { c.Destroy(context.Background()) })

	ch, err := CreateChannel(context.Background(), c, "core0", cfg, defaultConnect, nil)
	require.NoError(t, err)
	return c, ch
}

func TestChannelPendingIOsAccounting(t *testing.T) {
	_, ch := newTestChannel(t)

	assert.Zero(t, ch.PendingIOs())

	require.NoError(t, ch.Submit())
	require.NoError(t, ch.Submit())
	require.NoError(t, ch.Submit())
	assert.EqualValues(t, 3, ch.PendingIOs())

	ch.Complete(CompletionStatus{Success: true})
	assert.EqualValues(t, 2, ch.PendingIOs())

	ch.Complete(CompletionStatus{Success: false})
	ch.Complete(CompletionStatus{Success: true})
	assert.Zero(t, ch.PendingIOs())
}

func TestChannelCompleteBelowZeroClampsToZero(t *testing.T) {
	_, ch := newTestChannel(t)

	ch.Complete(CompletionStatus{Success: true})
	assert.Zero(t, ch.PendingIOs(), "an unmatched Complete must not drive the counter negative")
}

func TestChannelSubmitRejectedWhenShutdown(t *testing.T) {
	_, ch := newTestChannel(t)
	ch.shutdown()

	err := ch.Submit()
	assert.Error(t, err)
	assert.True(t, ch.IsShutdown())
}

func TestChannelSubmitRejectedWhenQpairNotConnected(t *testing.T) {
	_, ch := newTestChannel(t)
	ch.Reset()

	err := ch.Submit()
	assert.Error(t, err)
}

func TestChannelOldestSubmitStampedOnFirstOutstandingOnly(t *testing.T) {
	_, ch := newTestChannel(t)

	require.NoError(t, ch.Submit())
	ch.mu.Lock()
	first := ch.oldestSubmit
	ch.mu.Unlock()
	assert.False(t, first.IsZero())

	require.NoError(t, ch.Submit())
	ch.mu.Lock()
	second := ch.oldestSubmit
	ch.mu.Unlock()
	assert.Equal(t, first, second, "a second outstanding submission must not re-stamp the oldest marker")

	ch.Complete(CompletionStatus{Success: true})
	ch.Complete(CompletionStatus{Success: true})
	ch.mu.Lock()
	cleared := ch.oldestSubmit
	ch.mu.Unlock()
	assert.True(t, cleared.IsZero(), "draining to zero outstanding must clear the oldest marker")
}

func TestChannelCheckCommandTimeoutDrivesAbortLadder(t *testing.T) {
	c, ch := newTestChannel(t)
	c.timeout.SetAction(ActionAbort)

	ch.cfg.NvmeTimeout = time.Millisecond
	require.NoError(t, ch.Submit())

	ch.mu.Lock()
	ch.oldestSubmit = time.Now().Add(-time.Hour)
	ch.mu.Unlock()

	ch.checkCommandTimeout(context.Background())
	assert.Zero(t, ch.PendingIOs(), "an expired oldest submission under ActionAbort must be aborted")
}
