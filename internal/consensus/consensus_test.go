package consensus

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
	"github.com/mfrederico/voidlux-sub002/internal/voiderrs"
)

type fixedTerm struct {
	term   uint64
	leader bool
}

func (f fixedTerm) Term() uint64 { return f.term }
func (f fixedTerm) IsLeader() bool { return f.leader }

func newTestEngine(t *testing.T, nodeID string, port int, peersFn func() []string, v Validator, onCommit OnCommit) (*Engine, storage.Store, *mesh.Mesh) {
	t.Helper()
	store, err := storage.NewSQLiteStore(t.TempDir(), port, nodeID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := mesh.New(mesh.Config{NodeID: nodeID, Role: types.RoleWorker, BindHost: "127.0.0.1", Port: port}, nil, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	clock := gossip.NewClock(store)
	if peersFn == nil {
		peersFn = func() []string { return nil }
	}
	e := New(nodeID, store, m, clock, peersFn, fixedTerm{term: 1, leader: true}, v, onCommit)
	return e, store, m
}

// A single-node cluster (N=1, quorum=1) should self-commit immediately
// on propose since the proposer's own YES vote already meets quorum.
func TestSingleNodeProposalSelfCommits(t *testing.T) {
	var committed *types.ConsensusLogEntry
	e, store, _ := newTestEngine(t, "node-c1", 19701, nil, nil, func(entry *types.ConsensusLogEntry) {
		committed = entry
	})

	p, err := e.Propose("config_change", []byte("x=1"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.QuorumRequired)

	require.Eventually(t, func() bool { return committed != nil }, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), committed.LogIndex)

	idx, err := store.LastLogIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), idx)
}

func TestAppendingCommittedProposalTwiceIsNoop(t *testing.T) {
	calls := 0
	e, _, _ := newTestEngine(t, "node-c2", 19702, nil, nil, func(entry *types.ConsensusLogEntry) {
		calls++
	})

	p, err := e.Propose("config_change", []byte("x=2"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls == 1 }, time.Second, 10*time.Millisecond)

	// re-applying the same already-committed proposal is a no-op.
	p.State = types.ProposalCommitted
	e.applyCommit(p)
	assert.Equal(t, 1, calls)
}

func TestReadConsistentRequiresLeaderAndQuorum(t *testing.T) {
	e, _, _ := newTestEngine(t, "node-c3", 19703, nil, nil, nil)
	assert.NoError(t, e.ReadConsistent())

	clockStore, err := storage.NewSQLiteStore(t.TempDir(), 19799, "clock-only")
	require.NoError(t, err)
	t.Cleanup(func() { _ = clockStore.Close() })

	follower := New("node-c3b", clockStore, nil, gossip.NewClock(clockStore), func() []string { return nil }, fixedTerm{term: 1, leader: false}, nil, nil)
	assert.ErrorIs(t, follower.ReadConsistent(), voiderrs.ErrNotLeader)
}
