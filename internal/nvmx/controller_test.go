package nvmx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mayadata-io/nexus-engine/internal/config"
)

func okProbe(context.Context, ConnectParams, config.Config) error { return nil }

func TestConnectAssignsFreshIDAndRegisters(t *testing.T) {
	cfg := config.Default()

	c1, err := Connect(context.Background(), "nvmf://127.0.0.1:8420/nqn.test-fresh-id", cfg, Namespace{BlockLen: 512, NumBlocks: 1024}, okProbe)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, c1.State())
	assert.NotZero(t, c1.ID())

	got, ok := LookupByName(c1.Name())
	assert.True(t, ok)
	assert.Same(t, c1, got)

	require.NoError(t, c1.Destroy(context.Background()))
	_, ok = LookupByName(c1.Name())
	assert.False(t, ok, "destroyed controller must no longer resolve by name")

	c2, err := Connect(context.Background(), "nvmf://127.0.0.1:8420/nqn.test-fresh-id", cfg, Namespace{BlockLen: 512, NumBlocks: 1024}, okProbe)
	require.NoError(t, err)
	defer c2.Destroy(context.Background())

	assert.NotEqual(t, c1.ID(), c2.ID(), "a re-created controller under the same name must get a fresh id")
}

func TestConnectRejectsDuplicateName(t *testing.T) {
	cfg := config.Default()

	c1, err := Connect(context.Background(), "nvmf://127.0.0.1:8420/nqn.test-dup-name", cfg, Namespace{BlockLen: 512, NumBlocks: 8}, okProbe)
	require.NoError(t, err)
	defer c1.Destroy(context.Background())

	_, err = Connect(context.Background(), "nvmf://127.0.0.1:8420/nqn.test-dup-name", cfg, Namespace{BlockLen: 512, NumBlocks: 8}, okProbe)
	assert.Error(t, err)
}

func TestConnectRollsBackPlaceholderOnProbeFailure(t *testing.T) {
	cfg := config.Default()
	failing := func(context.Context, ConnectParams, config.Config) error {
		return assert.AnError
	}

	_, err := Connect(context.Background(), "nvmf://127.0.0.1:8420/nqn.test-probe-fail", cfg, Namespace{}, failing)
	require.Error(t, err)

	_, ok := LookupByName("nqn.test-probe-failn1")
	assert.False(t, ok, "a failed connect must not leave a placeholder behind")

	// Name must be reusable once the placeholder is rolled back.
	c, err := Connect(context.Background(), "nvmf://127.0.0.1:8420/nqn.test-probe-fail", cfg, Namespace{}, okProbe)
	require.NoError(t, err)
	defer c.Destroy(context.Background())
}

func TestHotRemoveIsIdempotentAndFaultsController(t *testing.T) {
	cfg := config.Default()
	c, err := Connect(context.Background(), "nvmf://127.0.0.1:8420/nqn.test-hot-remove", cfg, Namespace{BlockLen: 512, NumBlocks: 8}, okProbe)
	require.NoError(t, err)

	ch, err := CreateChannel(context.Background(), c, "core0", cfg, defaultConnect, nil)
	require.NoError(t, err)
	require.NoError(t, ch.Submit())

	require.NoError(t, c.HotRemove(context.Background()))
	assert.Equal(t, StateFaulted, c.State())
	assert.Zero(t, ch.PendingIOs(), "hot-remove must fail outstanding I/O on every channel")

	// A second HotRemove on an already-removed controller is a no-op, not
	// an error.
	assert.NoError(t, c.HotRemove(context.Background()))
}
