package election

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfrederico/voidlux-sub002/internal/gossip"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/types"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
)

func newTestElector(t *testing.T, nodeID string, port int, startAsLeader bool) *Elector {
	t.Helper()
	store, err := storage.NewSQLiteStore(t.TempDir(), port, nodeID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := mesh.New(mesh.Config{NodeID: nodeID, Role: types.RoleWorker, BindHost: "127.0.0.1", Port: port}, nil, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	clock := gossip.NewClock(store)
	return New(nodeID, startAsLeader, m, clock, nil)
}

func TestBootstrapLeaderStartsAtTermOne(t *testing.T) {
	e := newTestElector(t, "node-e1", 19601, true)
	assert.True(t, e.IsLeader())
	assert.Equal(t, uint64(1), e.Term())
}

func TestFollowerStartsWithNoLeader(t *testing.T) {
	e := newTestElector(t, "node-e2", 19602, false)
	assert.False(t, e.IsLeader())
	assert.Equal(t, StateFollower, e.State())
	assert.Equal(t, "", e.LeaderID())
}

func TestHeartbeatWithHigherTermDeposeSelf(t *testing.T) {
	e := newTestElector(t, "node-e3", 19603, true)
	require.True(t, e.IsLeader())

	e.HandleEmperorHeartbeat(codec.EmperorHeartbeat{NodeID: "node-other", Term: 5, LamportTS: 1})

	assert.False(t, e.IsLeader())
	assert.Equal(t, "node-other", e.LeaderID())
	assert.Equal(t, uint64(5), e.Term())
}

func TestStaleTermHeartbeatDropped(t *testing.T) {
	e := newTestElector(t, "node-e4", 19604, true)
	// bump term by handling a higher-term heartbeat first
	e.HandleEmperorHeartbeat(codec.EmperorHeartbeat{NodeID: "leader-x", Term: 10, LamportTS: 1})
	require.Equal(t, "leader-x", e.LeaderID())

	// A stale heartbeat from an old term must not override the leader.
	e.HandleEmperorHeartbeat(codec.EmperorHeartbeat{NodeID: "node-e4", Term: 3, LamportTS: 2})
	assert.Equal(t, "leader-x", e.LeaderID())
	assert.Equal(t, uint64(10), e.Term())
}

func TestElectionVictoryAdopted(t *testing.T) {
	e := newTestElector(t, "node-e5", 19605, false)
	e.HandleElectionVictory(codec.ElectionVictory{NodeID: "node-winner", Term: 2, LamportTS: 1})
	assert.Equal(t, "node-winner", e.LeaderID())
	assert.Equal(t, uint64(2), e.Term())
	assert.False(t, e.IsLeader())
}

func TestLeaderLeaseValidAfterRecentHeartbeat(t *testing.T) {
	e := newTestElector(t, "node-e6", 19606, true)
	assert.True(t, e.LeaderLeaseValid())
}

func TestFollowerBecomesCandidateOnStaleness(t *testing.T) {
	e := newTestElector(t, "node-e7", 19607, false)
	e.mu.Lock()
	e.lastHeartbeatAt = time.Now().Add(-40 * time.Second)
	e.mu.Unlock()

	e.maybeBecomeCandidate()
	assert.Equal(t, StateCandidate, e.State())
}
