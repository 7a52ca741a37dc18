package task

import (
	"sync"
	"time"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

// dispatchFallback is the timer-driven dispatch cycle, used as a
// backstop in case a trigger event is missed (§4.11).
const dispatchFallback = 2 * time.Second

// assignedPendingTTL bounds how long an agent is held out of the idle
// snapshot after being sent a TASK_ASSIGN, so the dispatcher doesn't
// over-assign before the resulting claim has propagated.
const assignedPendingTTL = 30 * time.Second

// LeaderCheck reports whether the local node currently believes
// itself the emperor, and its current term (stamped on TASK_ASSIGN so
// a receiver can reject a stale assignment after partition heal).
type LeaderCheck interface {
	IsLeader() bool
	Term() uint64
}

// Dispatcher runs the leader-only matching loop: idle agents (across
// every known node) against pending tasks in priority-then-created-at
// order, directed TASK_ASSIGN to the owning node of the matched agent.
type Dispatcher struct {
	nodeID string
	store  storage.Store
	mesh   *mesh.Mesh
	leader LeaderCheck

	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu             sync.Mutex
	assignedPending map[string]time.Time // agent_id -> expiry
}

// NewDispatcher constructs a Dispatcher. leader reports whether this
// node is currently the emperor; the loop runs regardless of role, but
// only dispatches on cycles where leader.IsLeader() is true, matching
// §4.11's "leader only" scoping without requiring an external restart
// on every leadership change.
func NewDispatcher(nodeID string, store storage.Store, m *mesh.Mesh, leader LeaderCheck) *Dispatcher {
	return &Dispatcher{
		nodeID:          nodeID,
		store:           store,
		mesh:            m,
		leader:          leader,
		triggerCh:       make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		assignedPending: make(map[string]time.Time),
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop ends the dispatch loop.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Trigger wakes the dispatch loop immediately. The node calls it when
// this node becomes leader; task create, complete, fail and
// update-to-pending events do not call it and are picked up by the 2s
// fallback tick.
func (d *Dispatcher) Trigger() {
	select {
	case d.triggerCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(dispatchFallback)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cycle()
		case <-d.triggerCh:
			d.cycle()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) cycle() {
	if !d.leader.IsLeader() {
		return
	}
	d.expireAssignedPending()

	pending, err := d.store.ListPendingTasksByPriority()
	if err != nil || len(pending) == 0 {
		return
	}
	idle, err := d.store.ListIdleAgents()
	if err != nil {
		return
	}

	d.mu.Lock()
	available := make([]*types.Agent, 0, len(idle))
	for _, a := range idle {
		if _, held := d.assignedPending[a.ID]; !held {
			available = append(available, a)
		}
	}
	d.mu.Unlock()

	term := d.leader.Term()
	for _, t := range pending {
		agentIdx := matchAgent(available, t.RequiredCapabilities)
		if agentIdx < 0 {
			continue
		}
		agent := available[agentIdx]
		available = append(available[:agentIdx], available[agentIdx+1:]...)

		if err := d.mesh.SendTo(agent.NodeID, codec.OpTaskAssign, codec.TaskAssign{
			TaskID: t.ID, AgentID: agent.ID, NodeID: agent.NodeID, Term: term,
		}); err != nil {
			continue
		}
		d.mu.Lock()
		d.assignedPending[agent.ID] = time.Now().Add(assignedPendingTTL)
		d.mu.Unlock()
	}
}

func (d *Dispatcher) expireAssignedPending() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, expiry := range d.assignedPending {
		if now.After(expiry) {
			delete(d.assignedPending, id)
		}
	}
}

// matchAgent returns the index of the first agent in agents whose
// capability set is a superset of required, or -1 if none qualifies.
func matchAgent(agents []*types.Agent, required []string) int {
	for i, a := range agents {
		if a.HasCapabilities(required) {
			return i
		}
	}
	return -1
}
