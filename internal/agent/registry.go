// Package agent implements the VoidLux agent registry and monitor
// (§4.12): gossip-replicated registration/heartbeat/deregistration,
// a local liveness poll against an external session bridge, orphan
// task failure on agent death, and inbound TASK_ASSIGN handling that
// claims the task and hands it to the bridge.
package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/gossip"
	"github.com/mfrederico/voidlux-sub002/internal/log"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/task"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

const (
	heartbeatInterval = 30 * time.Second
	monitorInterval   = 10 * time.Second
)

// SessionBridge is the narrow interface standing in for the external
// coding-tool process a real agent wraps (§1 non-goals: terminal-
// session bridging is an external collaborator). IsAlive drives the
// 10s liveness poll; Dispatch hands a claimed task to the session.
type SessionBridge interface {
	IsAlive(agentID string) bool
	Dispatch(t types.Task) error
}

// LoopbackBridge is an in-process reference implementation used by
// tests and single-process demos: every agent is always alive, and
// Dispatch just records the task it was handed.
type LoopbackBridge struct {
	mu        sync.Mutex
	dispatched map[string]types.Task
}

// NewLoopbackBridge constructs a bridge that always reports agents
// alive and records every dispatched task in memory.
func NewLoopbackBridge() *LoopbackBridge {
	return &LoopbackBridge{dispatched: make(map[string]types.Task)}
}

// IsAlive always returns true; the loopback bridge has no real process
// to poll.
func (b *LoopbackBridge) IsAlive(agentID string) bool { return true }

// Dispatch records the task under the target agent id.
func (b *LoopbackBridge) Dispatch(t types.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatched[t.AssignedTo] = t
	return nil
}

// Dispatched returns the task last handed to agentID, if any.
func (b *LoopbackBridge) Dispatched(agentID string) (types.Task, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.dispatched[agentID]
	return t, ok
}

// TermSource reports the local node's current view of the election
// term, so HandleAssign can tell a fresh TASK_ASSIGN from one stamped
// by a leader whose term has since been superseded.
type TermSource interface {
	Term() uint64
}

// Registry owns agent registration/heartbeat gossip and the local
// liveness monitor.
type Registry struct {
	nodeID string
	store  storage.Store
	gossip *gossip.Engine
	mesh   *mesh.Mesh
	queue  *task.Queue
	bridge SessionBridge
	term   TermSource
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Registry. bridge may be a *LoopbackBridge for
// tests/demos or a real external-process adapter. term supplies the
// current election term for HandleAssign's stale-term check.
func New(nodeID string, store storage.Store, g *gossip.Engine, m *mesh.Mesh, q *task.Queue, bridge SessionBridge, term TermSource) *Registry {
	return &Registry{
		nodeID: nodeID,
		store:  store,
		gossip: g,
		mesh:   m,
		queue:  q,
		bridge: bridge,
		term:   term,
		logger: log.WithComponent("agent"),
		stopCh: make(chan struct{}),
	}
}

// Register creates a new agent owned by this node and floods
// AGENT_REGISTER.
func (r *Registry) Register(a *types.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.NodeID = r.nodeID
	if a.Status == "" {
		a.Status = types.AgentIdle
	}
	a.RegisteredAt = time.Now()
	a.LastHeartbeat = time.Now()
	return r.gossip.GossipAgentRegister(a)
}

// Start launches the heartbeat and liveness-monitor loops.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.heartbeatLoop()
	r.wg.Add(1)
	go r.monitorLoop()
}

// Stop ends both loops.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.heartbeatOwned()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) heartbeatOwned() {
	owned, err := r.store.ListAgentsByNode(r.nodeID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("heartbeat: list owned agents failed")
		return
	}
	for _, a := range owned {
		if err := r.gossip.GossipAgentHeartbeat(a.ID, a.Status, a.CurrentTaskID); err != nil {
			r.logger.Warn().Err(err).Str("agent_id", a.ID).Msg("heartbeat failed")
		}
	}
}

func (r *Registry) monitorLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.checkLiveness()
		case <-r.stopCh:
			return
		}
	}
}

// checkLiveness polls the bridge for every agent this node owns;
// agents no longer alive are pruned and any task they held is failed.
func (r *Registry) checkLiveness() {
	owned, err := r.store.ListAgentsByNode(r.nodeID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("monitor: list owned agents failed")
		return
	}
	for _, a := range owned {
		if r.bridge.IsAlive(a.ID) {
			continue
		}
		r.logger.Warn().Str("agent_id", a.ID).Msg("monitor: agent died")
		if a.CurrentTaskID != "" {
			if err := r.queue.Fail(a.CurrentTaskID, "agent died"); err != nil {
				r.logger.Warn().Err(err).Str("task_id", a.CurrentTaskID).Msg("monitor: fail orphaned task failed")
			}
		}
		if err := r.gossip.GossipAgentDeregister(a.ID); err != nil {
			r.logger.Warn().Err(err).Str("agent_id", a.ID).Msg("monitor: deregister dead agent failed")
		}
	}
}

// HandleAssign processes an inbound TASK_ASSIGN (§4.11): if the target
// agent is still idle and owned locally, claim the task, mark the
// agent busy, hand it to the bridge, and gossip both mutations. Any
// failure along the way fails the task with the reason so the
// dispatcher can retry against a different agent.
//
// An assignment stamped with a term older than this node's current
// term was sent by a leader that has since lost its lease (partition
// heal, quorum loss) and is not honored; the task is requeued so a
// fresher leader can reassign it.
func (r *Registry) HandleAssign(msg codec.TaskAssign) {
	if msg.NodeID != r.nodeID {
		return
	}
	if r.term != nil && msg.Term < r.term.Term() {
		r.logger.Info().Str("task_id", msg.TaskID).Uint64("assign_term", msg.Term).
			Uint64("current_term", r.term.Term()).Msg("assign: rejecting assignment from a superseded term")
		if err := r.queue.Requeue(msg.TaskID, "assign: superseded leader term"); err != nil {
			r.logger.Warn().Err(err).Str("task_id", msg.TaskID).Msg("assign: requeue after stale term failed")
		}
		return
	}
	a, err := r.store.GetAgent(msg.AgentID)
	if err != nil || a == nil || a.Status != types.AgentIdle {
		if err != nil {
			r.logger.Warn().Err(err).Msg("assign: lookup agent failed")
		}
		return
	}

	if err := r.queue.Claim(msg.TaskID, msg.AgentID); err != nil {
		r.logger.Info().Err(err).Str("task_id", msg.TaskID).Msg("assign: claim lost to a concurrent assignment")
		return
	}

	t, err := r.store.GetTask(msg.TaskID)
	if err != nil || t == nil {
		_ = r.queue.Fail(msg.TaskID, "assign: task vanished after claim")
		return
	}

	if err := r.gossip.GossipAgentHeartbeat(msg.AgentID, types.AgentBusy, msg.TaskID); err != nil {
		r.logger.Warn().Err(err).Msg("assign: mark agent busy failed")
	}

	if err := r.bridge.Dispatch(*t); err != nil {
		r.logger.Warn().Err(err).Str("task_id", msg.TaskID).Msg("assign: bridge dispatch failed")
		_ = r.queue.Fail(msg.TaskID, "assign: bridge dispatch failed: "+err.Error())
		_ = r.gossip.GossipAgentHeartbeat(msg.AgentID, types.AgentIdle, "")
	}
}

// HandleCensusRequest re-announces every agent this node owns,
// driving last-writer-wins convergence after the leader asks for a
// fresh census (§4.12).
func (r *Registry) HandleCensusRequest(msg codec.CensusRequest) {
	owned, err := r.store.ListAgentsByNode(r.nodeID)
	if err != nil {
		r.logger.Warn().Err(err).Msg("census: list owned agents failed")
		return
	}
	for _, a := range owned {
		if err := r.gossip.GossipAgentHeartbeat(a.ID, a.Status, a.CurrentTaskID); err != nil {
			r.logger.Warn().Err(err).Str("agent_id", a.ID).Msg("census: re-announce failed")
		}
	}
}
