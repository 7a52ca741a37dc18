package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfrederico/voidlux-sub002/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(t.TempDir(), 7946, "node-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTaskCRUD(t *testing.T) {
	s := newTestStore(t)

	task := &types.Task{
		ID:                   "task-1",
		Title:                "write docs",
		Status:               types.TaskPending,
		Priority:             5,
		RequiredCapabilities: []string{"go", "writing"},
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	require.NoError(t, s.CreateTask(task))

	got, err := s.GetTask("task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, task.RequiredCapabilities, got.RequiredCapabilities)

	got.Status = types.TaskInProgress
	got.AssignedTo = "agent-1"
	require.NoError(t, s.UpdateTask(got))

	got2, err := s.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, got2.Status)
	assert.Equal(t, "agent-1", got2.AssignedTo)

	require.NoError(t, s.DeleteTask("task-1"))
	gone, err := s.GetTask("task-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestListPendingTasksByPriority(t *testing.T) {
	s := newTestStore(t)

	low := &types.Task{ID: "t-low", Status: types.TaskPending, Priority: 1, CreatedAt: time.Now()}
	high := &types.Task{ID: "t-high", Status: types.TaskPending, Priority: 9, CreatedAt: time.Now()}
	claimed := &types.Task{ID: "t-claimed", Status: types.TaskClaimed, Priority: 5, CreatedAt: time.Now()}
	require.NoError(t, s.CreateTask(low))
	require.NoError(t, s.CreateTask(high))
	require.NoError(t, s.CreateTask(claimed))

	pending, err := s.ListPendingTasksByPriority()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "t-high", pending[0].ID)
	assert.Equal(t, "t-low", pending[1].ID)
}

// TestClaimTaskRace is the correctness test for §4.10: of two
// concurrent claim attempts on the same pending task, exactly one
// must observe affected == 1.
func TestClaimTaskRace(t *testing.T) {
	s := newTestStore(t)

	task := &types.Task{ID: "race-task", Status: types.TaskPending, CreatedAt: time.Now()}
	require.NoError(t, s.CreateTask(task))

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]int, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			affected, err := s.ClaimTask("race-task", "agent-x", "node-x", uint64(i+1), time.Now())
			require.NoError(t, err)
			results[i] = affected
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, a := range results {
		winners += a
	}
	assert.Equal(t, 1, winners, "exactly one claim attempt should win")

	final, err := s.GetTask("race-task")
	require.NoError(t, err)
	assert.Equal(t, types.TaskClaimed, final.Status)
}

func TestClaimTaskAlreadyClaimed(t *testing.T) {
	s := newTestStore(t)
	task := &types.Task{ID: "task-2", Status: types.TaskClaimed, AssignedTo: "agent-1", CreatedAt: time.Now()}
	require.NoError(t, s.CreateTask(task))

	affected, err := s.ClaimTask("task-2", "agent-2", "node-2", 1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, affected)
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)

	agent := &types.Agent{
		ID:                "agent-1",
		NodeID:            "node-1",
		Name:              "claude-worker",
		Capabilities:      []string{"go", "python"},
		MaxConcurrentTask: 2,
		Status:            types.AgentIdle,
		RegisteredAt:      time.Now(),
	}
	require.NoError(t, s.CreateAgent(agent))

	got, err := s.GetAgent("agent-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, agent.Capabilities, got.Capabilities)

	got.Status = types.AgentBusy
	got.CurrentTaskID = "task-1"
	require.NoError(t, s.UpdateAgent(got))

	idle, err := s.ListIdleAgents()
	require.NoError(t, err)
	assert.Len(t, idle, 0)

	require.NoError(t, s.DeleteAgent("agent-1"))
	gone, err := s.GetAgent("agent-1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestPeerUpsert(t *testing.T) {
	s := newTestStore(t)

	p := &types.Peer{NodeID: "peer-1", Host: "10.0.0.5", P2PPort: 7946, Role: types.RoleWorker, LastSeen: time.Now()}
	require.NoError(t, s.UpsertPeer(p))
	require.NoError(t, s.UpsertPeer(p))

	peers, err := s.ListPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "10.0.0.5", peers[0].Host)

	require.NoError(t, s.DeletePeer("peer-1"))
	peers, err = s.ListPeers()
	require.NoError(t, err)
	assert.Len(t, peers, 0)
}

func TestSwarmState(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.GetState("lamport_clock")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetState("lamport_clock", "42"))
	v, ok, err := s.GetState("lamport_clock")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "42", v)

	require.NoError(t, s.SetState("lamport_clock", "43"))
	v, _, err = s.GetState("lamport_clock")
	require.NoError(t, err)
	assert.Equal(t, "43", v)
}

func TestConsensusLogAppendIdempotent(t *testing.T) {
	s := newTestStore(t)

	entry := &types.ConsensusLogEntry{
		ID: "entry-1", Term: 1, LogIndex: 1, ProposerNodeID: "node-1",
		Operation: "task.create", CreatedAt: time.Now(),
	}
	require.NoError(t, s.AppendConsensusLog(entry))
	require.NoError(t, s.AppendConsensusLog(entry)) // duplicate apply must not error

	has, err := s.HasConsensusLogEntry("entry-1")
	require.NoError(t, err)
	assert.True(t, has)

	last, err := s.LastLogIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)

	entries, err := s.ConsensusLogSince(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestUpgradeHistory(t *testing.T) {
	s := newTestStore(t)

	u := &types.UpgradeHistory{
		ID: "up-1", FromCommit: "abc", ToCommit: "def",
		Status: types.UpgradePending, NodesTotal: 3, StartedAt: time.Now(),
	}
	require.NoError(t, s.CreateUpgradeHistory(u))

	u.Status = types.UpgradeInProgress
	u.NodesUpdated = 1
	require.NoError(t, s.UpdateUpgradeHistory(u))

	history, err := s.ListUpgradeHistory()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.UpgradeInProgress, history[0].Status)
	assert.Equal(t, 1, history[0].NodesUpdated)
}
