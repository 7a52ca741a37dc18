package upgrade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

type stubGit struct{ err error }

func (g stubGit) UpdateTo(commit string) error { return g.err }

// stubProber reports healthy only for addresses in its allow-set,
// modeling a canary that comes up healthy while the rest of the fleet
// never does.
type stubProber struct{ healthy map[string]bool }

func (p stubProber) Healthy(addr string) bool { return p.healthy[addr] }

func newCoordinator(t *testing.T, nodeID string, port int, prober HealthProber) (*Coordinator, storage.Store) {
	t.Helper()
	store, err := storage.NewSQLiteStore(t.TempDir(), port, nodeID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := mesh.New(mesh.Config{NodeID: nodeID, Role: types.RoleSeneschal, BindHost: "127.0.0.1", Port: port}, nil, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	c := New(nodeID, store, m, stubGit{}, prober)
	c.CanaryTimeout = 50 * time.Millisecond
	c.WorkerTimeout = 50 * time.Millisecond
	c.EmperorRestartTimeout = 50 * time.Millisecond
	c.PollInterval = 10 * time.Millisecond
	return c, store
}

func TestCanaryFailureRollsBackAndLeavesEmperorUntouched(t *testing.T) {
	prober := stubProber{healthy: map[string]bool{}} // nothing ever reports healthy
	c, store := newCoordinator(t, "node-u1", 20001, prober)

	workers := []Target{
		{NodeID: "w1", HTTPAddr: "127.0.0.1:1"},
		{NodeID: "w2", HTTPAddr: "127.0.0.1:2"},
		{NodeID: "w3", HTTPAddr: "127.0.0.1:3"},
	}
	emperor := Target{NodeID: "emperor-1", HTTPAddr: "127.0.0.1:4", IsEmperor: true}

	hist, err := c.Run("abc123", "def456", "seneschal-op", workers, emperor)
	require.NoError(t, err)

	assert.Equal(t, types.UpgradeRolledBack, hist.Status)
	assert.GreaterOrEqual(t, hist.NodesRolledBack, 1)
	assert.Equal(t, 0, hist.NodesUpdated)
}

func TestGitUpdateFailureRecordsFailedOutcome(t *testing.T) {
	store, err := storage.NewSQLiteStore(t.TempDir(), 20002, "node-u2")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := mesh.New(mesh.Config{NodeID: "node-u2", Role: types.RoleSeneschal, BindHost: "127.0.0.1", Port: 20002}, nil, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	c := New("node-u2", store, m, stubGit{err: assert.AnError}, stubProber{})
	hist, err := c.Run("abc", "def", "op", nil, Target{NodeID: "emperor-1"})
	require.Error(t, err)
	assert.Equal(t, types.UpgradeFailed, hist.Status)
}
