package storage

import (
	"time"

	"github.com/mfrederico/voidlux-sub002/internal/types"
)

// Store is the persistence interface used by every other VoidLux
// component. No component issues SQL directly; all access goes
// through this interface (§5: "the embedded relational store is the
// single serialisation point for entity mutations").
type Store interface {
	// Tasks

	CreateTask(t *types.Task) error
	GetTask(id string) (*types.Task, error)
	UpdateTask(t *types.Task) error
	DeleteTask(id string) error
	ListTasks() ([]*types.Task, error)
	ListPendingTasksByPriority() ([]*types.Task, error)
	ListTasksSince(sinceLamport uint64, limit int) ([]*types.Task, error)
	ListNonTerminalTasksAssignedToNode(nodeID string) ([]*types.Task, error)

	// ClaimTask performs the atomic conditional claim from §4.10:
	// UPDATE tasks SET status=claimed, assigned_to=?, assigned_node=?,
	// lamport_ts=?, claimed_at=? WHERE id=? AND status=pending.
	// affected is 1 if the local claim won, 0 if the task was already
	// claimed (or does not exist).
	ClaimTask(taskID, agentID, nodeID string, lamportTS uint64, now time.Time) (affected int, err error)

	// Agents

	CreateAgent(a *types.Agent) error
	GetAgent(id string) (*types.Agent, error)
	UpdateAgent(a *types.Agent) error
	DeleteAgent(id string) error
	ListAgents() ([]*types.Agent, error)
	ListIdleAgents() ([]*types.Agent, error)
	ListAgentsSince(sinceLamport uint64) ([]*types.Agent, error)
	ListAgentsByNode(nodeID string) ([]*types.Agent, error)

	// Peers (cache only — rebuilt from gossip/discovery on startup)

	UpsertPeer(p *types.Peer) error
	DeletePeer(nodeID string) error
	ListPeers() ([]*types.Peer, error)

	// swarm_state key/value (lamport_clock lives here)

	GetState(key string) (string, bool, error)
	SetState(key, value string) error

	// Consensus log (append-only, separate database file)

	AppendConsensusLog(e *types.ConsensusLogEntry) error
	HasConsensusLogEntry(id string) (bool, error)
	LastLogIndex() (uint64, error)
	ConsensusLogSince(afterIndex uint64) ([]*types.ConsensusLogEntry, error)

	// Upgrade history (seneschal role only, but harmless elsewhere)

	CreateUpgradeHistory(u *types.UpgradeHistory) error
	UpdateUpgradeHistory(u *types.UpgradeHistory) error
	ListUpgradeHistory() ([]*types.UpgradeHistory, error)

	Close() error
}
