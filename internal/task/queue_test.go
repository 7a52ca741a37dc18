package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/gossip"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/types"
	"github.com/mfrederico/voidlux-sub002/internal/voiderrs"
)

func newTestQueue(t *testing.T, nodeID string, port int) (*Queue, storage.Store) {
	t.Helper()
	store, err := storage.NewSQLiteStore(t.TempDir(), port, nodeID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := mesh.New(mesh.Config{NodeID: nodeID, Role: types.RoleWorker, BindHost: "127.0.0.1", Port: port}, nil, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	clock := gossip.NewClock(store)
	g := gossip.New(nodeID, store, m, clock)
	return New(nodeID, store, g, m), store
}

func TestEnqueueThenClaimSucceedsOnce(t *testing.T) {
	q, store := newTestQueue(t, "node-t1", 19801)

	task := &types.Task{ID: "task-1", Title: "do the thing"}
	require.NoError(t, q.Enqueue(task))

	require.NoError(t, q.Claim("task-1", "agent-a"))

	got, err := store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskClaimed, got.Status)
	assert.Equal(t, "agent-a", got.AssignedTo)
	assert.Equal(t, "node-t1", got.AssignedNode)
}

func TestSecondClaimOnAlreadyClaimedTaskFails(t *testing.T) {
	q, _ := newTestQueue(t, "node-t2", 19802)

	require.NoError(t, q.Enqueue(&types.Task{ID: "task-2"}))
	require.NoError(t, q.Claim("task-2", "agent-a"))

	err := q.Claim("task-2", "agent-b")
	assert.ErrorIs(t, err, voiderrs.ErrClaimLost)
}

func TestClaimResolverAcceptsRemoteClaimWhenLocalPending(t *testing.T) {
	q, store := newTestQueue(t, "node-t3", 19803)
	require.NoError(t, q.Enqueue(&types.Task{ID: "task-3"}))

	q.HandleClaim("node-remote", codec.TaskClaim{TaskID: "task-3", AgentID: "agent-r", NodeID: "node-remote", LamportTS: 5})

	got, err := store.GetTask("task-3")
	require.NoError(t, err)
	assert.Equal(t, types.TaskClaimed, got.Status)
	assert.Equal(t, "node-remote", got.AssignedNode)
}

func TestClaimResolverKeepsHigherPrecedenceAndFailsLoser(t *testing.T) {
	q, store := newTestQueue(t, "node-t4", 19804)
	require.NoError(t, q.Enqueue(&types.Task{ID: "task-4"}))
	require.NoError(t, q.Claim("task-4", "agent-local")) // local wins first with some lamport ts

	local, err := store.GetTask("task-4")
	require.NoError(t, err)

	// A remote claim with a strictly larger lamport timestamp should
	// supersede the local claim and fail it.
	q.HandleClaim("node-remote", codec.TaskClaim{
		TaskID: "task-4", AgentID: "agent-remote", NodeID: "node-remote",
		LamportTS: local.LamportTS + 100,
	})

	got, err := store.GetTask("task-4")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
}

func TestRequeueResetsNonTerminalTaskToPending(t *testing.T) {
	q, store := newTestQueue(t, "node-t5", 19805)
	require.NoError(t, q.Enqueue(&types.Task{ID: "task-5"}))
	require.NoError(t, q.Claim("task-5", "agent-a"))

	require.NoError(t, q.Requeue("task-5", "agent died"))

	got, err := store.GetTask("task-5")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
	assert.Equal(t, "", got.AssignedTo)
}

func TestRequeueRefusesTerminalTask(t *testing.T) {
	q, _ := newTestQueue(t, "node-t6", 19806)
	require.NoError(t, q.Enqueue(&types.Task{ID: "task-6"}))
	require.NoError(t, q.Complete("task-6", "done"))

	err := q.Requeue("task-6", "nope")
	assert.ErrorIs(t, err, voiderrs.ErrAlreadyTerminal)
}

func TestRecoverOrphansRequeuesTasksOwnedByThisNode(t *testing.T) {
	q, store := newTestQueue(t, "node-t7", 19807)
	task := &types.Task{ID: "task-7", Status: types.TaskInProgress, AssignedNode: "node-t7", AssignedTo: "agent-a"}
	require.NoError(t, store.CreateTask(task))

	require.NoError(t, q.RecoverOrphans())

	got, err := store.GetTask("task-7")
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)
}

func TestDispatcherMatchesCapableIdleAgentAndSendsAssign(t *testing.T) {
	store, err := storage.NewSQLiteStore(t.TempDir(), 19808, "node-t8")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.CreateTask(&types.Task{ID: "task-8", Status: types.TaskPending, RequiredCapabilities: []string{"go"}}))
	require.NoError(t, store.CreateAgent(&types.Agent{ID: "agent-8", NodeID: "node-t8", Status: types.AgentIdle, Capabilities: []string{"go", "python"}}))

	m := mesh.New(mesh.Config{NodeID: "node-t8", Role: types.RoleEmperor, BindHost: "127.0.0.1", Port: 19808}, nil, nil, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	d := NewDispatcher("node-t8", store, m, alwaysLeader{})
	// Dispatching to a node with no live connection fails silently
	// (SendTo returns an error); exercise the matching logic directly.
	pending, err := store.ListPendingTasksByPriority()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	idle, err := store.ListIdleAgents()
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, 0, matchAgent(idle, pending[0].RequiredCapabilities))

	d.cycle() // should not panic even though SendTo has no connection
	time.Sleep(10 * time.Millisecond)
}

type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool { return true }
func (alwaysLeader) Term() uint64   { return 1 }
