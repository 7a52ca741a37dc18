// Package gossip implements the causal gossip engine of §4.6: a
// Lamport clock, typed per-domain broadcast helpers that stamp and
// dedup every message, and the (lamport_ts, node_id) conflict
// resolution rule applied on receipt.
package gossip

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/log"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

// Engine owns the Lamport clock and dedup cache and provides the
// typed send/receive helpers for every gossiped domain message.
type Engine struct {
	nodeID string
	store  storage.Store
	mesh   *mesh.Mesh
	clock  *Clock
	seen   *seenCache
	logger zerolog.Logger
}

// New constructs a gossip Engine. clock is shared with callers that
// need the raw tick/witness primitives (e.g. election, consensus).
func New(nodeID string, store storage.Store, m *mesh.Mesh, clock *Clock) *Engine {
	return &Engine{
		nodeID: nodeID,
		store:  store,
		mesh:   m,
		clock:  clock,
		seen:   newSeenCache(defaultSeenCapacity),
		logger: log.WithComponent("gossip"),
	}
}

// Clock exposes the shared Lamport clock.
func (e *Engine) Clock() *Clock { return e.clock }

func dedupKey(msgType, entityID, action string) string {
	return fmt.Sprintf("%s:%s:%s", msgType, entityID, action)
}

func toWire(t *types.Task) codec.TaskWire {
	return codec.TaskWire{
		ID: t.ID, ParentID: t.ParentID, Title: t.Title, Description: t.Description,
		WorkInstructions: t.WorkInstructions, AcceptanceCriteria: t.AcceptanceCriteria,
		Status: string(t.Status), Priority: t.Priority, RequiredCapabilities: t.RequiredCapabilities,
		CreatedBy: t.CreatedBy, AssignedTo: t.AssignedTo, AssignedNode: t.AssignedNode,
		Result: t.Result, Error: t.Error, Progress: t.Progress, ProjectPath: t.ProjectPath,
		Context: t.Context, LamportTS: t.LamportTS, GitBranch: t.GitBranch,
		ClaimedAtUnix: unixOrZero(t.ClaimedAt), CompletedAtUnix: unixOrZero(t.CompletedAt),
		CreatedAtUnix: unixOrZero(t.CreatedAt), UpdatedAtUnix: unixOrZero(t.UpdatedAt),
	}
}

func fromWire(w codec.TaskWire) *types.Task {
	return &types.Task{
		ID: w.ID, ParentID: w.ParentID, Title: w.Title, Description: w.Description,
		WorkInstructions: w.WorkInstructions, AcceptanceCriteria: w.AcceptanceCriteria,
		Status: types.TaskStatus(w.Status), Priority: w.Priority, RequiredCapabilities: w.RequiredCapabilities,
		CreatedBy: w.CreatedBy, AssignedTo: w.AssignedTo, AssignedNode: w.AssignedNode,
		Result: w.Result, Error: w.Error, Progress: w.Progress, ProjectPath: w.ProjectPath,
		Context: w.Context, LamportTS: w.LamportTS, GitBranch: w.GitBranch,
		ClaimedAt: timeOrZero(w.ClaimedAtUnix), CompletedAt: timeOrZero(w.CompletedAtUnix),
		CreatedAt: timeOrZero(w.CreatedAtUnix), UpdatedAt: timeOrZero(w.UpdatedAtUnix),
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(u int64) time.Time {
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0).UTC()
}

// wins reports whether candidate (lamport_ts, node_id) should replace
// current per §4.6's conflict-resolution rule: larger tuple wins, node
// id lexical order breaks ties.
func wins(candidateLamport uint64, candidateNode string, currentLamport uint64, currentNode string) bool {
	if candidateLamport != currentLamport {
		return candidateLamport > currentLamport
	}
	return candidateNode > currentNode
}

// --- task gossip ---

// GossipTaskCreate stamps, applies, and floods a newly created task.
func (e *Engine) GossipTaskCreate(t *types.Task) error {
	t.LamportTS = e.clock.Tick()
	if err := e.store.CreateTask(t); err != nil {
		return fmt.Errorf("gossip: create task: %w", err)
	}
	e.seen.seenOrMark(dedupKey("task", t.ID, "create"))
	e.mesh.Broadcast(codec.OpTaskCreate, codec.TaskCreate{Task: toWire(t)})
	return nil
}

// HandleTaskCreate applies an inbound TASK_CREATE, deduping and
// re-flooding per the push-gossip algorithm in §4.6.
func (e *Engine) HandleTaskCreate(fromNodeID string, msg codec.TaskCreate) {
	key := dedupKey("task", msg.Task.ID, "create")
	if e.seen.seenOrMark(key) {
		return
	}
	e.clock.Witness(msg.Task.LamportTS)

	existing, err := e.store.GetTask(msg.Task.ID)
	if err != nil {
		e.logger.Warn().Err(err).Str("task_id", msg.Task.ID).Msg("task create: lookup failed")
		return
	}
	if existing == nil {
		if err := e.store.CreateTask(fromWire(msg.Task)); err != nil {
			e.logger.Warn().Err(err).Str("task_id", msg.Task.ID).Msg("task create: insert failed")
			return
		}
	}
	e.mesh.BroadcastExcept(fromNodeID, codec.OpTaskCreate, msg)
}

// GossipTaskUpdate stamps, applies, and floods a task field mutation.
func (e *Engine) GossipTaskUpdate(t *types.Task) error {
	t.LamportTS = e.clock.Tick()
	if err := e.store.UpdateTask(t); err != nil {
		return fmt.Errorf("gossip: update task: %w", err)
	}
	e.mesh.Broadcast(codec.OpTaskUpdate, codec.TaskUpdate{Task: toWire(t)})
	return nil
}

// HandleTaskUpdate applies the conflict-resolution rule before
// accepting an inbound update, and never overwrites a terminal state.
func (e *Engine) HandleTaskUpdate(fromNodeID string, msg codec.TaskUpdate) {
	key := dedupKey("task", msg.Task.ID, fmt.Sprintf("update:%d", msg.Task.LamportTS))
	if e.seen.seenOrMark(key) {
		return
	}
	e.clock.Witness(msg.Task.LamportTS)

	existing, err := e.store.GetTask(msg.Task.ID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("task update: lookup failed")
		return
	}
	if existing == nil {
		e.mesh.BroadcastExcept(fromNodeID, codec.OpTaskUpdate, msg)
		return
	}
	if existing.Status.IsTerminal() {
		return
	}
	if !wins(msg.Task.LamportTS, fromNodeID, existing.LamportTS, existing.AssignedNode) {
		return
	}
	if err := e.store.UpdateTask(fromWire(msg.Task)); err != nil {
		e.logger.Warn().Err(err).Msg("task update: apply failed")
		return
	}
	e.mesh.BroadcastExcept(fromNodeID, codec.OpTaskUpdate, msg)
}

// GossipTaskComplete marks a task terminally completed and floods it.
func (e *Engine) GossipTaskComplete(taskID, result string) error {
	ts := e.clock.Tick()
	t, err := e.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("gossip: lookup task: %w", err)
	}
	if t == nil {
		return fmt.Errorf("gossip: task %s not found", taskID)
	}
	t.Status = types.TaskCompleted
	t.Result = result
	t.LamportTS = ts
	t.CompletedAt = time.Now()
	if err := e.store.UpdateTask(t); err != nil {
		return fmt.Errorf("gossip: complete task: %w", err)
	}
	e.mesh.Broadcast(codec.OpTaskComplete, codec.TaskComplete{TaskID: taskID, Result: result, LamportTS: ts})
	return nil
}

// HandleTaskComplete applies an inbound terminal completion. Terminal
// states are absorbing: a task already terminal is left untouched.
func (e *Engine) HandleTaskComplete(fromNodeID string, msg codec.TaskComplete) {
	key := dedupKey("task", msg.TaskID, "complete")
	if e.seen.seenOrMark(key) {
		return
	}
	e.clock.Witness(msg.LamportTS)

	t, err := e.store.GetTask(msg.TaskID)
	if err != nil || t == nil {
		if err != nil {
			e.logger.Warn().Err(err).Msg("task complete: lookup failed")
		}
		return
	}
	if t.Status.IsTerminal() {
		e.mesh.BroadcastExcept(fromNodeID, codec.OpTaskComplete, msg)
		return
	}
	t.Status = types.TaskCompleted
	t.Result = msg.Result
	t.LamportTS = msg.LamportTS
	t.CompletedAt = time.Now()
	if err := e.store.UpdateTask(t); err != nil {
		e.logger.Warn().Err(err).Msg("task complete: apply failed")
		return
	}
	e.mesh.BroadcastExcept(fromNodeID, codec.OpTaskComplete, msg)
}

// GossipTaskFail marks a task terminally failed and floods it.
func (e *Engine) GossipTaskFail(taskID, reason string) error {
	ts := e.clock.Tick()
	t, err := e.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("gossip: lookup task: %w", err)
	}
	if t == nil {
		return fmt.Errorf("gossip: task %s not found", taskID)
	}
	t.Status = types.TaskFailed
	t.Error = reason
	t.LamportTS = ts
	t.CompletedAt = time.Now()
	if err := e.store.UpdateTask(t); err != nil {
		return fmt.Errorf("gossip: fail task: %w", err)
	}
	e.mesh.Broadcast(codec.OpTaskFail, codec.TaskFail{TaskID: taskID, Reason: reason, LamportTS: ts})
	return nil
}

// HandleTaskFail applies an inbound terminal failure.
func (e *Engine) HandleTaskFail(fromNodeID string, msg codec.TaskFail) {
	key := dedupKey("task", msg.TaskID, "fail")
	if e.seen.seenOrMark(key) {
		return
	}
	e.clock.Witness(msg.LamportTS)

	t, err := e.store.GetTask(msg.TaskID)
	if err != nil || t == nil {
		if err != nil {
			e.logger.Warn().Err(err).Msg("task fail: lookup failed")
		}
		return
	}
	if t.Status.IsTerminal() {
		e.mesh.BroadcastExcept(fromNodeID, codec.OpTaskFail, msg)
		return
	}
	t.Status = types.TaskFailed
	t.Error = msg.Reason
	t.LamportTS = msg.LamportTS
	t.CompletedAt = time.Now()
	if err := e.store.UpdateTask(t); err != nil {
		e.logger.Warn().Err(err).Msg("task fail: apply failed")
		return
	}
	e.mesh.BroadcastExcept(fromNodeID, codec.OpTaskFail, msg)
}

// GossipTaskCancel marks a task terminally cancelled and floods it.
func (e *Engine) GossipTaskCancel(taskID string) error {
	ts := e.clock.Tick()
	t, err := e.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("gossip: lookup task: %w", err)
	}
	if t == nil {
		return fmt.Errorf("gossip: task %s not found", taskID)
	}
	t.Status = types.TaskCancelled
	t.LamportTS = ts
	t.CompletedAt = time.Now()
	if err := e.store.UpdateTask(t); err != nil {
		return fmt.Errorf("gossip: cancel task: %w", err)
	}
	e.mesh.Broadcast(codec.OpTaskCancel, codec.TaskCancel{TaskID: taskID, LamportTS: ts})
	return nil
}

// HandleTaskCancel applies an inbound cancellation.
func (e *Engine) HandleTaskCancel(fromNodeID string, msg codec.TaskCancel) {
	key := dedupKey("task", msg.TaskID, "cancel")
	if e.seen.seenOrMark(key) {
		return
	}
	e.clock.Witness(msg.LamportTS)

	t, err := e.store.GetTask(msg.TaskID)
	if err != nil || t == nil {
		if err != nil {
			e.logger.Warn().Err(err).Msg("task cancel: lookup failed")
		}
		return
	}
	if t.Status.IsTerminal() {
		e.mesh.BroadcastExcept(fromNodeID, codec.OpTaskCancel, msg)
		return
	}
	t.Status = types.TaskCancelled
	t.LamportTS = msg.LamportTS
	t.CompletedAt = time.Now()
	if err := e.store.UpdateTask(t); err != nil {
		e.logger.Warn().Err(err).Msg("task cancel: apply failed")
		return
	}
	e.mesh.BroadcastExcept(fromNodeID, codec.OpTaskCancel, msg)
}

// --- agent gossip ---

func agentToWire(a *types.Agent) codec.AgentWire {
	return codec.AgentWire{
		ID: a.ID, NodeID: a.NodeID, Name: a.Name, Tool: a.Tool, Model: a.Model,
		Capabilities: a.Capabilities, ProjectPath: a.ProjectPath, MaxConcurrentTask: a.MaxConcurrentTask,
		Status: string(a.Status), CurrentTaskID: a.CurrentTaskID,
		LastHeartbeatUnix: unixOrZero(a.LastHeartbeat), LamportTS: a.LamportTS,
		RegisteredAtUnix: unixOrZero(a.RegisteredAt),
	}
}

func agentFromWire(w codec.AgentWire) *types.Agent {
	return &types.Agent{
		ID: w.ID, NodeID: w.NodeID, Name: w.Name, Tool: w.Tool, Model: w.Model,
		Capabilities: w.Capabilities, ProjectPath: w.ProjectPath, MaxConcurrentTask: w.MaxConcurrentTask,
		Status: types.AgentStatus(w.Status), CurrentTaskID: w.CurrentTaskID,
		LastHeartbeat: timeOrZero(w.LastHeartbeatUnix), LamportTS: w.LamportTS,
		RegisteredAt: timeOrZero(w.RegisteredAtUnix),
	}
}

// GossipAgentRegister stamps, applies, and floods a new agent
// registration.
func (e *Engine) GossipAgentRegister(a *types.Agent) error {
	a.LamportTS = e.clock.Tick()
	if err := e.store.CreateAgent(a); err != nil {
		return fmt.Errorf("gossip: create agent: %w", err)
	}
	e.seen.seenOrMark(dedupKey("agent", a.ID, "register"))
	e.mesh.Broadcast(codec.OpAgentRegister, codec.AgentRegister{Agent: agentToWire(a)})
	return nil
}

// HandleAgentRegister applies an inbound agent registration.
func (e *Engine) HandleAgentRegister(fromNodeID string, msg codec.AgentRegister) {
	key := dedupKey("agent", msg.Agent.ID, "register")
	if e.seen.seenOrMark(key) {
		return
	}
	e.clock.Witness(msg.Agent.LamportTS)

	existing, err := e.store.GetAgent(msg.Agent.ID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("agent register: lookup failed")
		return
	}
	if existing == nil {
		if err := e.store.CreateAgent(agentFromWire(msg.Agent)); err != nil {
			e.logger.Warn().Err(err).Msg("agent register: insert failed")
			return
		}
	}
	e.mesh.BroadcastExcept(fromNodeID, codec.OpAgentRegister, msg)
}

// GossipAgentHeartbeat stamps, applies, and floods an agent heartbeat.
func (e *Engine) GossipAgentHeartbeat(agentID string, status types.AgentStatus, currentTaskID string) error {
	ts := e.clock.Tick()
	a, err := e.store.GetAgent(agentID)
	if err != nil {
		return fmt.Errorf("gossip: lookup agent: %w", err)
	}
	if a == nil {
		return fmt.Errorf("gossip: agent %s not found", agentID)
	}
	a.Status = status
	a.CurrentTaskID = currentTaskID
	a.LamportTS = ts
	a.LastHeartbeat = time.Now()
	if err := e.store.UpdateAgent(a); err != nil {
		return fmt.Errorf("gossip: heartbeat agent: %w", err)
	}
	e.mesh.Broadcast(codec.OpAgentHeartbeat, codec.AgentHeartbeat{AgentID: agentID, Status: string(status), CurrentTaskID: currentTaskID, LamportTS: ts})
	return nil
}

// HandleAgentHeartbeat applies an inbound heartbeat, respecting
// (lamport_ts, node_id) conflict resolution.
func (e *Engine) HandleAgentHeartbeat(fromNodeID string, msg codec.AgentHeartbeat) {
	key := dedupKey("agent", msg.AgentID, fmt.Sprintf("heartbeat:%d", msg.LamportTS))
	if e.seen.seenOrMark(key) {
		return
	}
	e.clock.Witness(msg.LamportTS)

	a, err := e.store.GetAgent(msg.AgentID)
	if err != nil || a == nil {
		if err != nil {
			e.logger.Warn().Err(err).Msg("agent heartbeat: lookup failed")
		}
		return
	}
	if msg.LamportTS <= a.LamportTS {
		return
	}
	a.Status = types.AgentStatus(msg.Status)
	a.CurrentTaskID = msg.CurrentTaskID
	a.LamportTS = msg.LamportTS
	a.LastHeartbeat = time.Now()
	if err := e.store.UpdateAgent(a); err != nil {
		e.logger.Warn().Err(err).Msg("agent heartbeat: apply failed")
		return
	}
	e.mesh.BroadcastExcept(fromNodeID, codec.OpAgentHeartbeat, msg)
}

// GossipAgentDeregister deletes the agent record locally and floods
// the deregistration.
func (e *Engine) GossipAgentDeregister(agentID string) error {
	ts := e.clock.Tick()
	if err := e.store.DeleteAgent(agentID); err != nil {
		return fmt.Errorf("gossip: deregister agent: %w", err)
	}
	e.mesh.Broadcast(codec.OpAgentDeregister, codec.AgentDeregister{AgentID: agentID, LamportTS: ts})
	return nil
}

// HandleAgentDeregister applies an inbound deregistration.
func (e *Engine) HandleAgentDeregister(fromNodeID string, msg codec.AgentDeregister) {
	key := dedupKey("agent", msg.AgentID, "deregister")
	if e.seen.seenOrMark(key) {
		return
	}
	e.clock.Witness(msg.LamportTS)
	if err := e.store.DeleteAgent(msg.AgentID); err != nil {
		e.logger.Warn().Err(err).Msg("agent deregister: apply failed")
		return
	}
	e.mesh.BroadcastExcept(fromNodeID, codec.OpAgentDeregister, msg)
}
