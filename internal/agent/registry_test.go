package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/gossip"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/task"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

func newTestRegistry(t *testing.T, nodeID string, port int) (*Registry, storage.Store, *LoopbackBridge) {
	t.Helper()
	store, err := storage.NewSQLiteStore(t.TempDir(), port, nodeID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := mesh.New(mesh.Config{NodeID: nodeID, Role: types.RoleWorker, BindHost: "127.0.0.1", Port: port}, nil, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	clock := gossip.NewClock(store)
	g := gossip.New(nodeID, store, m, clock)
	q := task.New(nodeID, store, g, m)
	bridge := NewLoopbackBridge()
	return New(nodeID, store, g, m, q, bridge, fixedTerm(1)), store, bridge
}

type fixedTerm uint64

func (f fixedTerm) Term() uint64 { return uint64(f) }

func TestRegisterPersistsIdleAgent(t *testing.T) {
	r, store, _ := newTestRegistry(t, "node-a1", 19901)
	a := &types.Agent{Name: "claude-1", Tool: "claude-code", Capabilities: []string{"go"}}
	require.NoError(t, r.Register(a))

	got, err := store.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, got.Status)
	assert.Equal(t, "node-a1", got.NodeID)
}

func TestHandleAssignClaimsAndDispatches(t *testing.T) {
	r, store, bridge := newTestRegistry(t, "node-a2", 19902)

	require.NoError(t, store.CreateTask(&types.Task{ID: "task-a1", Status: types.TaskPending}))
	require.NoError(t, store.CreateAgent(&types.Agent{ID: "agent-a1", NodeID: "node-a2", Status: types.AgentIdle}))

	r.HandleAssign(codec.TaskAssign{TaskID: "task-a1", AgentID: "agent-a1", NodeID: "node-a2", Term: 1})

	gotTask, err := store.GetTask("task-a1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskClaimed, gotTask.Status)
	assert.Equal(t, "agent-a1", gotTask.AssignedTo)

	dispatched, ok := bridge.Dispatched("agent-a1")
	require.True(t, ok)
	assert.Equal(t, "task-a1", dispatched.ID)
}

func TestHandleAssignIgnoresWrongNode(t *testing.T) {
	r, store, _ := newTestRegistry(t, "node-a3", 19903)
	require.NoError(t, store.CreateTask(&types.Task{ID: "task-a2", Status: types.TaskPending}))

	r.HandleAssign(codec.TaskAssign{TaskID: "task-a2", AgentID: "agent-elsewhere", NodeID: "some-other-node", Term: 1})

	got, err := store.GetTask("task-a2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
}

func TestHandleAssignSkipsNonIdleAgent(t *testing.T) {
	r, store, _ := newTestRegistry(t, "node-a4", 19904)
	require.NoError(t, store.CreateTask(&types.Task{ID: "task-a3", Status: types.TaskPending}))
	require.NoError(t, store.CreateAgent(&types.Agent{ID: "agent-busy", NodeID: "node-a4", Status: types.AgentBusy, CurrentTaskID: "other-task"}))

	r.HandleAssign(codec.TaskAssign{TaskID: "task-a3", AgentID: "agent-busy", NodeID: "node-a4", Term: 1})

	got, err := store.GetTask("task-a3")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
}

func TestHandleAssignRejectsSupersededTerm(t *testing.T) {
	r, store, bridge := newTestRegistry(t, "node-a6", 19906)
	r.term = fixedTerm(5)
	require.NoError(t, store.CreateTask(&types.Task{ID: "task-a5", Status: types.TaskPending}))
	require.NoError(t, store.CreateAgent(&types.Agent{ID: "agent-idle", NodeID: "node-a6", Status: types.AgentIdle}))

	r.HandleAssign(codec.TaskAssign{TaskID: "task-a5", AgentID: "agent-idle", NodeID: "node-a6", Term: 4})

	got, err := store.GetTask("task-a5")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
	_, dispatched := bridge.Dispatched("agent-idle")
	assert.False(t, dispatched)
}

func TestMonitorFailsTaskOfDeadAgent(t *testing.T) {
	r, store, _ := newTestRegistry(t, "node-a5", 19905)
	require.NoError(t, store.CreateTask(&types.Task{ID: "task-a4", Status: types.TaskInProgress, AssignedNode: "node-a5", AssignedTo: "agent-dead"}))
	require.NoError(t, store.CreateAgent(&types.Agent{ID: "agent-dead", NodeID: "node-a5", Status: types.AgentBusy, CurrentTaskID: "task-a4"}))

	deadBridge := deadAgentBridge{}
	r.bridge = deadBridge
	r.checkLiveness()

	got, err := store.GetTask("task-a4")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
}

type deadAgentBridge struct{}

func (deadAgentBridge) IsAlive(agentID string) bool    { return false }
func (deadAgentBridge) Dispatch(t types.Task) error { return nil }
