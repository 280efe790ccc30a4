package reactor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRunsTaskOnReactorGoroutine(t *testing.T) {
	r := New("core0", time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	done := make(chan struct{})
	ok := r.Dispatch(func(context.Context) { close(done) })
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatched task did not run")
	}
}

func TestDispatchReturnsFalseWhenQueueFull(t *testing.T) {
	r := New("core0", time.Hour) // no ticker drain competing
	block := make(chan struct{})
	for i := 0; i < DispatchQueueDepth; i++ {
		require.True(t, r.Dispatch(func(context.Context) { <-block }))
	}
	assert.False(t, r.Dispatch(func(context.Context) {}))
	close(block)
}

func TestPollerRunsOnEveryTick(t *testing.T) {
	r := New("core0", 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	var ticks int32
	r.RegisterPoller("p1", func(context.Context) { atomic.AddInt32(&ticks, 1) })

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&ticks) >= 3
	}, time.Second, 5*time.Millisecond)

	r.UnregisterPoller("p1")
}

func TestPoolNextRoundRobins(t *testing.T) {
	p := NewPool([]string{"core0", "core1"}, time.Hour)
	a := p.Next()
	b := p.Next()
	c := p.Next()
	assert.NotEqual(t, a.Core, b.Core)
	assert.Equal(t, a.Core, c.Core)
}

func TestStopWaitsForRunLoopExit(t *testing.T) {
	r := New("core0", time.Millisecond)
	ctx := context.Background()
	go r.Run(ctx)
	time.Sleep(10 * time.Millisecond)
	r.Stop()
}
