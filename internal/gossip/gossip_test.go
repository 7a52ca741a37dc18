package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

func newTestEngine(t *testing.T, nodeID string, port int) (*Engine, storage.Store, *mesh.Mesh) {
	t.Helper()
	store, err := storage.NewSQLiteStore(t.TempDir(), port, nodeID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := mesh.New(mesh.Config{NodeID: nodeID, Role: types.RoleWorker, BindHost: "127.0.0.1", Port: port}, nil, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	clock := NewClock(store)
	e := New(nodeID, store, m, clock)
	return e, store, m
}

func TestClockTickAndWitness(t *testing.T) {
	store, err := storage.NewSQLiteStore(t.TempDir(), 1, "node-1")
	require.NoError(t, err)
	defer store.Close()

	c := NewClock(store)
	assert.Equal(t, uint64(1), c.Tick())
	assert.Equal(t, uint64(2), c.Tick())
	assert.Equal(t, uint64(11), c.Witness(10))
	assert.Equal(t, uint64(12), c.Tick())
}

func TestSeenCacheDedup(t *testing.T) {
	c := newSeenCache(4)
	assert.False(t, c.seenOrMark("a"))
	assert.True(t, c.seenOrMark("a"))
	assert.False(t, c.seenOrMark("b"))
}

func TestSeenCacheHalvesOnOverflow(t *testing.T) {
	c := newSeenCache(4)
	c.seenOrMark("a")
	c.seenOrMark("b")
	c.seenOrMark("c")
	c.seenOrMark("d")
	c.seenOrMark("e") // triggers halving
	assert.LessOrEqual(t, c.size(), 4)
}

func TestGossipTaskCreateIdempotentOnReceive(t *testing.T) {
	e, store, _ := newTestEngine(t, "node-g1", 19581)

	wire := codec.TaskWire{ID: "task-x", Title: "demo", Status: string(types.TaskPending), LamportTS: 5}
	e.HandleTaskCreate("node-other", codec.TaskCreate{Task: wire})
	e.HandleTaskCreate("node-other", codec.TaskCreate{Task: wire}) // duplicate must be ignored

	got, err := store.GetTask("task-x")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "demo", got.Title)
}

func TestTaskCompleteNeverOverwritesTerminal(t *testing.T) {
	e, store, _ := newTestEngine(t, "node-g2", 19582)

	require.NoError(t, store.CreateTask(&types.Task{ID: "task-y", Status: types.TaskPending, CreatedAt: time.Now()}))
	require.NoError(t, e.GossipTaskFail("task-y", "boom"))

	// A later, higher-lamport completion arrives after the task is
	// already terminal (failed) — it must not flip status.
	e.HandleTaskComplete("node-other", codec.TaskComplete{TaskID: "task-y", Result: "ok", LamportTS: 9999})

	got, err := store.GetTask("task-y")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
}

func TestTaskUpdateConflictResolutionHigherLamportWins(t *testing.T) {
	e, store, _ := newTestEngine(t, "node-g3", 19583)

	require.NoError(t, store.CreateTask(&types.Task{ID: "task-z", Status: types.TaskInProgress, LamportTS: 5, Progress: "25%", CreatedAt: time.Now()}))

	// Lower lamport update must be dropped.
	e.HandleTaskUpdate("node-other", codec.TaskUpdate{Task: codec.TaskWire{ID: "task-z", Status: string(types.TaskInProgress), LamportTS: 3, Progress: "10%"}})
	got, err := store.GetTask("task-z")
	require.NoError(t, err)
	assert.Equal(t, "25%", got.Progress)

	// Higher lamport update must win.
	e.HandleTaskUpdate("node-other", codec.TaskUpdate{Task: codec.TaskWire{ID: "task-z", Status: string(types.TaskInProgress), LamportTS: 9, Progress: "75%"}})
	got, err = store.GetTask("task-z")
	require.NoError(t, err)
	assert.Equal(t, "75%", got.Progress)
}

func TestAgentHeartbeatAppliesOnlyNewerLamport(t *testing.T) {
	e, store, _ := newTestEngine(t, "node-g4", 19584)

	require.NoError(t, store.CreateAgent(&types.Agent{ID: "agent-1", NodeID: "node-g4", Status: types.AgentIdle, LamportTS: 5, RegisteredAt: time.Now()}))

	e.HandleAgentHeartbeat("node-other", codec.AgentHeartbeat{AgentID: "agent-1", Status: string(types.AgentBusy), LamportTS: 2})
	got, err := store.GetAgent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, got.Status)

	e.HandleAgentHeartbeat("node-other", codec.AgentHeartbeat{AgentID: "agent-1", Status: string(types.AgentBusy), LamportTS: 7})
	got, err = store.GetAgent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentBusy, got.Status)
}
