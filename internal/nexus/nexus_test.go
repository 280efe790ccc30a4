package nexus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayadata-io/nexus-engine/internal/bdev"
	"github.com/mayadata-io/nexus-engine/internal/faultinject"
	"github.com/mayadata-io/nexus-engine/internal/nexusinfo"
)

func newTestNexus(t *testing.T, children ...*Child) *Nexus {
	t.Helper()
	store := nexusinfo.New(nexusinfo.NewInMemory(), time.Second)
	nx := New("nexus0", "nexus-uuid-0", 1<<20, 100, store, faultinject.NewRegistry())
	for _, c := range children {
		nx.AddChild(c)
	}
	require.NoError(t, nx.Open(context.Background()))
	return nx
}

func TestOpenFirstRunMarksAllChildrenOnline(t *testing.T) {
	c1, _ := newFakeChild("child-1")
	c2, _ := newFakeChild("child-2")
	nx := newTestNexus(t, c1, c2)

	assert.Equal(t, StateOnline, nx.State())
	assert.Equal(t, ChildOnline, c1.State())
	assert.Equal(t, ChildOnline, c2.State())
}

func TestSubmitWriteFansOutToAllOnlineChildrenWithOffsetTranslated(t *testing.T) {
	c1, h1 := newFakeChild("child-1")
	c2, h2 := newFakeChild("child-2")
	nx := newTestNexus(t, c1, c2)

	status, err := nx.Submit(context.Background(), "core0", OpWrite, 5, 1, [][]byte{make([]byte, 512)})
	require.NoError(t, err)
	assert.Equal(t, IOSuccess, status)

	h1.mu.Lock()
	assert.Equal(t, []uint64{105}, h1.writes)
	h1.mu.Unlock()

	h2.mu.Lock()
	assert.Equal(t, []uint64{105}, h2.writes)
	h2.mu.Unlock()
}

func TestSubmitReadRoundRobinsAcrossChildren(t *testing.T) {
	c1, h1 := newFakeChild("child-1")
	c2, h2 := newFakeChild("child-2")
	nx := newTestNexus(t, c1, c2)

	for i := 0; i < 4; i++ {
		status, err := nx.Submit(context.Background(), "core0", OpRead, 0, 1, [][]byte{make([]byte, 512)})
		require.NoError(t, err)
		assert.Equal(t, IOSuccess, status)
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&h1.reads))
	assert.Equal(t, int32(2), atomic.LoadInt32(&h2.reads))
}

func TestSubmitReadRetriesOnOtherChildWhenOneFails(t *testing.T) {
	c1, h1 := newFakeChild("child-1")
	c2, _ := newFakeChild("child-2")
	nx := newTestNexus(t, c1, c2)

	atomic.StoreInt32(&h1.failNext, 100)
	h1.nvmeOnErr = bdev.NvmeStatusOther

	status, err := nx.Submit(context.Background(), "core0", OpRead, 0, 1, [][]byte{make([]byte, 512)})
	require.NoError(t, err)
	assert.Equal(t, IOSuccess, status)
}

func TestSubmitFanoutFailsWhenAChildFails(t *testing.T) {
	c1, h1 := newFakeChild("child-1")
	c2, _ := newFakeChild("child-2")
	nx := newTestNexus(t, c1, c2)

	atomic.StoreInt32(&h1.failNext, 1)
	h1.nvmeOnErr = bdev.NvmeStatusOther

	status, err := nx.Submit(context.Background(), "core0", OpWrite, 0, 1, [][]byte{make([]byte, 512)})
	assert.Error(t, err)
	assert.Equal(t, IOFailed, status)
}

func TestFailedChildIsEventuallyRetiredAndNexusGoesDegraded(t *testing.T) {
	c1, h1 := newFakeChild("child-1")
	c2, _ := newFakeChild("child-2")
	nx := newTestNexus(t, c1, c2)

	atomic.StoreInt32(&h1.failNext, 1)
	h1.nvmeOnErr = bdev.NvmeStatusOther

	_, _ = nx.Submit(context.Background(), "core0", OpWrite, 0, 1, [][]byte{make([]byte, 512)})

	require.Eventually(t, func() bool {
		return c1.State() == ChildFaulted
	}, time.Second, time.Millisecond, "child-1 should have been retired")

	assert.Equal(t, FaultIoError, c1.FaultReason())
	assert.Equal(t, StateDegraded, nx.State())
}

func TestInvalidOpcodeSurfacesWithoutRetiringChild(t *testing.T) {
	c1, h1 := newFakeChild("child-1")
	nx := newTestNexus(t, c1)

	atomic.StoreInt32(&h1.failNext, 1)
	h1.nvmeOnErr = bdev.NvmeStatusInvalidOpcode

	status, err := nx.Submit(context.Background(), "core0", OpRead, 0, 1, [][]byte{make([]byte, 512)})
	assert.Error(t, err)
	assert.Equal(t, IOFailed, status)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ChildOnline, c1.State(), "invalid opcode must not retire the child")
}

func TestSubmitRejectedWhenNexusFaulted(t *testing.T) {
	c1, h1 := newFakeChild("child-1")
	nx := newTestNexus(t, c1)

	atomic.StoreInt32(&h1.failNext, 1)
	h1.nvmeOnErr = bdev.NvmeStatusOther
	_, _ = nx.Submit(context.Background(), "core0", OpWrite, 0, 1, [][]byte{make([]byte, 512)})

	require.Eventually(t, func() bool {
		return nx.State() == StateFaulted
	}, time.Second, time.Millisecond)

	status, err := nx.Submit(context.Background(), "core0", OpRead, 0, 1, [][]byte{make([]byte, 512)})
	assert.Error(t, err)
	assert.Equal(t, IOFailed, status)
}

func TestRetireChildIsIdempotentUnderConcurrentFailures(t *testing.T) {
	c1, h1 := newFakeChild("child-1")
	c2, _ := newFakeChild("child-2")
	nx := newTestNexus(t, c1, c2)

	atomic.StoreInt32(&h1.failNext, 3)
	h1.nvmeOnErr = bdev.NvmeStatusOther

	for i := 0; i < 3; i++ {
		_, _ = nx.Submit(context.Background(), "core0", OpWrite, 0, 1, [][]byte{make([]byte, 512)})
	}

	require.Eventually(t, func() bool {
		return c1.State() == ChildFaulted
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ChildFaulted, c1.State())
}

func TestDestroyClosesChildrenAndMarksCleanShutdown(t *testing.T) {
	c1, _ := newFakeChild("child-1")
	nx := newTestNexus(t, c1)

	require.NoError(t, nx.Destroy(context.Background()))
	assert.Equal(t, StateClosed, nx.State())
	assert.Equal(t, ChildClosed, c1.State())

	rec, err := nx.info.Read(context.Background(), nx.UUID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.CleanShutdown)
}
