// Package task implements the VoidLux task lifecycle engine (§4.10,
// §4.11): the queue, the atomic claim primitive and its concurrent-
// claim resolver, orphan recovery, and the leader-only dispatcher that
// matches idle agents to pending work by capability.
package task

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/gossip"
	"github.com/mfrederico/voidlux-sub002/internal/log"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/types"
	"github.com/mfrederico/voidlux-sub002/internal/voiderrs"
)

// Queue owns task enqueue, atomic claim, and the claim resolver
// (§4.10). It wraps the gossip Engine for every mutation that must be
// disseminated.
type Queue struct {
	nodeID  string
	store   storage.Store
	gossip  *gossip.Engine
	mesh    *mesh.Mesh
	logger  zerolog.Logger
}

// New constructs a Queue bound to the local node's store and gossip
// engine.
func New(nodeID string, store storage.Store, g *gossip.Engine, m *mesh.Mesh) *Queue {
	return &Queue{nodeID: nodeID, store: store, gossip: g, mesh: m, logger: log.WithComponent("task")}
}

// Enqueue inserts a new task locally and floods TASK_CREATE.
func (q *Queue) Enqueue(t *types.Task) error {
	if t.Status == "" {
		t.Status = types.TaskPending
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	return q.gossip.GossipTaskCreate(t)
}

// Claim attempts the atomic conditional claim from §4.10. On success
// it gossips TASK_CLAIM. On failure (already claimed) it returns
// voiderrs.ErrClaimLost so the caller can try a different task.
func (q *Queue) Claim(taskID, agentID string) error {
	ts := q.gossip.Clock().Tick()
	affected, err := q.store.ClaimTask(taskID, agentID, q.nodeID, ts, time.Now())
	if err != nil {
		return fmt.Errorf("task: claim: %w", err)
	}
	if affected == 0 {
		return voiderrs.ErrClaimLost
	}
	q.mesh.Broadcast(codec.OpTaskClaim, codec.TaskClaim{TaskID: taskID, AgentID: agentID, NodeID: q.nodeID, LamportTS: ts})
	return nil
}

// HandleClaim is the claim resolver consulted on an inbound TASK_CLAIM
// (§4.10). If the local row is still pending, the remote claim is
// accepted. If a different winner is already recorded, the tuple with
// the larger (lamport_ts, node_id) wins; if the local node loses, its
// own claim is replaced by the remote one and the task is failed with
// a superseded-claim reason.
func (q *Queue) HandleClaim(fromNodeID string, msg codec.TaskClaim) {
	q.gossip.Clock().Witness(msg.LamportTS)

	t, err := q.store.GetTask(msg.TaskID)
	if err != nil || t == nil {
		if err != nil {
			q.logger.Warn().Err(err).Str("task_id", msg.TaskID).Msg("claim resolver: lookup failed")
		}
		return
	}

	if t.Status == types.TaskPending {
		q.acceptRemoteClaim(t, msg)
		return
	}

	if t.AssignedTo == msg.AgentID && t.AssignedNode == msg.NodeID {
		// Same claim observed twice (re-gossip); nothing to resolve.
		return
	}

	if !largerTuple(msg.LamportTS, msg.NodeID, t.LamportTS, t.AssignedNode) {
		// Local winner already has precedence; nothing changes.
		return
	}

	localWasWinner := t.AssignedNode == q.nodeID
	q.acceptRemoteClaim(t, msg)

	if localWasWinner {
		q.logger.Info().Str("task_id", msg.TaskID).Str("winner", msg.NodeID).
			Msg("claim resolver: local claim lost to higher-precedence remote claim")
		if err := q.gossip.GossipTaskFail(msg.TaskID, "claim superseded by higher-precedence winner"); err != nil {
			q.logger.Warn().Err(err).Msg("claim resolver: fail-superseded-claim failed")
		}
	}
}

func (q *Queue) acceptRemoteClaim(t *types.Task, msg codec.TaskClaim) {
	t.Status = types.TaskClaimed
	t.AssignedTo = msg.AgentID
	t.AssignedNode = msg.NodeID
	t.LamportTS = msg.LamportTS
	t.ClaimedAt = time.Now()
	if err := q.store.UpdateTask(t); err != nil {
		q.logger.Warn().Err(err).Str("task_id", t.ID).Msg("claim resolver: apply failed")
		return
	}
	q.mesh.BroadcastExcept(msg.NodeID, codec.OpTaskClaim, msg)
}

// largerTuple reports whether (candLamport, candNode) is strictly
// greater than (curLamport, curNode) under the §4.6 precedence rule.
func largerTuple(candLamport uint64, candNode string, curLamport uint64, curNode string) bool {
	if candLamport != curLamport {
		return candLamport > curLamport
	}
	return candNode > curNode
}

// Requeue resets a non-terminal task to pending, bumps its Lamport
// timestamp, and gossips the change.
func (q *Queue) Requeue(taskID, reason string) error {
	t, err := q.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("task: requeue: lookup: %w", err)
	}
	if t == nil {
		return fmt.Errorf("task: requeue: %s not found", taskID)
	}
	if t.Status.IsTerminal() {
		return voiderrs.ErrAlreadyTerminal
	}
	t.Status = types.TaskPending
	t.AssignedTo = ""
	t.AssignedNode = ""
	t.ClaimedAt = time.Time{}
	t.Error = reason
	return q.gossip.GossipTaskUpdate(t)
}

// RecoverOrphans requeues every non-terminal task this node was the
// assignee of at the moment it was last shut down — e.g. a task left
// in_progress when the process crashed (§4.10, testable scenario 4).
func (q *Queue) RecoverOrphans() error {
	orphans, err := q.store.ListNonTerminalTasksAssignedToNode(q.nodeID)
	if err != nil {
		return fmt.Errorf("task: recover orphans: list: %w", err)
	}
	for _, t := range orphans {
		if err := q.Requeue(t.ID, "orphan recovery: owning node restarted"); err != nil {
			q.logger.Warn().Err(err).Str("task_id", t.ID).Msg("orphan recovery: requeue failed")
		} else {
			q.logger.Info().Str("task_id", t.ID).Msg("orphan recovery: requeued")
		}
	}
	return nil
}

// Complete marks a task terminally completed.
func (q *Queue) Complete(taskID, result string) error {
	return q.gossip.GossipTaskComplete(taskID, result)
}

// Fail marks a task terminally failed.
func (q *Queue) Fail(taskID, reason string) error {
	return q.gossip.GossipTaskFail(taskID, reason)
}

// Cancel marks a task terminally cancelled.
func (q *Queue) Cancel(taskID string) error {
	return q.gossip.GossipTaskCancel(taskID)
}
