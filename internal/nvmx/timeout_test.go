package nvmx

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayadata-io/nexus-engine/internal/config"
)

func TestTriggerResetIsExclusiveAcrossConcurrentCallers(t *testing.T) {
	tc := newTimeoutConfig("test-exclusive", nil)

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return nil
	}

	var wg sync.WaitGroup
	var firstErr, concurrentErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = tc.TriggerReset(context.Background(), slow)
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		concurrentErr = tc.TriggerReset(context.Background(), slow)
	}()

	close(release)
	wg.Wait()

	assert.NoError(t, firstErr)
	assert.NoError(t, concurrentErr, "a concurrent caller must return immediately without error")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "only the first caller should ever invoke the reset function")
}

func TestResetBudgetExhaustedAfterConsecutiveFailures(t *testing.T) {
	tc := newTimeoutConfig("test-cooldown", nil)

	failing := func(context.Context) error { return assert.AnError }

	err := tc.TriggerReset(context.Background(), failing)
	assert.Error(t, err)
	assert.True(t, tc.ResetBudgetExhausted(), "MaxResetAttempts consecutive failures must open the cooldown window")

	var called bool
	err = tc.TriggerReset(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.Error(t, err, "a reset attempted within the cooldown window must be refused")
	assert.False(t, called, "the reset function must not run while the cooldown window is open")
}

func TestHandleTimeoutAbortDispatchesAbortNotReset(t *testing.T) {
	tc := newTimeoutConfig("test-abort", nil)
	tc.SetAction(ActionAbort)

	var aborted, reset bool
	abort := func(context.Context, uint32) error { aborted = true; return nil }
	resetFn := func(context.Context) error { reset = true; return nil }

	err := tc.HandleTimeout(context.Background(), false, false, 7, abort, resetFn)
	require.NoError(t, err)
	assert.True(t, aborted)
	assert.False(t, reset)
}

func TestHandleTimeoutCFSUpgradesAbortToReset(t *testing.T) {
	tc := newTimeoutConfig("test-cfs-upgrade", nil)
	tc.SetAction(ActionAbort)

	var aborted, reset bool
	abort := func(context.Context, uint32) error { aborted = true; return nil }
	resetFn := func(context.Context) error { reset = true; return nil }

	// cfs=true on a non-admin qpair with action != HotRemove must upgrade to Reset.
	err := tc.HandleTimeout(context.Background(), false, true, 7, abort, resetFn)
	require.NoError(t, err)
	assert.False(t, aborted, "CFS must upgrade Abort to Reset, bypassing the abort path entirely")
	assert.True(t, reset)
}

func TestHandleTimeoutCFSDoesNotUpgradeHotRemove(t *testing.T) {
	tc := newTimeoutConfig("test-cfs-no-upgrade", nil)
	tc.SetAction(ActionHotRemove)

	c, err := Connect(context.Background(), "nvmf://127.0.0.1:8420/nqn.test-cfs-hotremove", config.Default(), Namespace{}, okProbe)
	require.NoError(t, err)
	tc.controller = c

	var reset bool
	resetFn := func(context.Context) error { reset = true; return nil }

	err = tc.HandleTimeout(context.Background(), false, true, 0, nil, resetFn)
	require.NoError(t, err)
	assert.False(t, reset, "HotRemove is already the most severe action and must not be downgraded to Reset")
	assert.Equal(t, StateFaulted, c.State())
}

func TestHandleTimeoutIgnoreDoesNothing(t *testing.T) {
	tc := newTimeoutConfig("test-ignore", nil)
	tc.SetAction(ActionIgnore)

	called := false
	noopFn := func(context.Context) error { called = true; return nil }

	err := tc.HandleTimeout(context.Background(), false, false, 0, nil, noopFn)
	require.NoError(t, err)
	assert.False(t, called)
}
