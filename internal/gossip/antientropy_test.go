package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

func TestHandleTaskSyncRspAppliesEntries(t *testing.T) {
	e, store, _ := newTestEngine(t, "node-ae1", 19591)

	require.NoError(t, store.CreateTask(&types.Task{ID: "task-sync-1", Status: types.TaskPending, LamportTS: 1, CreatedAt: time.Now()}))

	e.HandleTaskSyncRsp("node-other", codec.TaskSyncRsp{Tasks: []codec.TaskWire{
		{ID: "task-sync-1", Status: string(types.TaskInProgress), LamportTS: 10, Progress: "50%"},
		{ID: "task-sync-2", Status: string(types.TaskPending), LamportTS: 1},
	}})

	t1, err := store.GetTask("task-sync-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskInProgress, t1.Status)

	t2, err := store.GetTask("task-sync-2")
	require.NoError(t, err)
	require.NotNil(t, t2)
}

func TestHandleAgentSyncRspAppliesOnlyNewer(t *testing.T) {
	e, store, _ := newTestEngine(t, "node-ae2", 19592)

	require.NoError(t, store.CreateAgent(&types.Agent{ID: "agent-sync-1", NodeID: "node-ae2", Status: types.AgentIdle, LamportTS: 5, RegisteredAt: time.Now()}))

	e.HandleAgentSyncRsp("node-other", codec.AgentSyncRsp{Agents: []codec.AgentWire{
		{ID: "agent-sync-1", Status: string(types.AgentBusy), LamportTS: 2},
	}})
	a, err := store.GetAgent("agent-sync-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentIdle, a.Status)

	e.HandleAgentSyncRsp("node-other", codec.AgentSyncRsp{Agents: []codec.AgentWire{
		{ID: "agent-sync-1", Status: string(types.AgentBusy), LamportTS: 8},
	}})
	a, err = store.GetAgent("agent-sync-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentBusy, a.Status)
}
