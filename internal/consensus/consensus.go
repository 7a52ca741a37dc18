// Package consensus implements the VoidLux quorum-voting protocol
// (§4.9): a gossip-broadcast propose/vote/commit scheme with a
// persistent append-only log, a partition detector, and leader-lease
// linearizable reads. Unlike Raft, the log is replicated by the same
// push-gossip fan-out as every other domain message; quorum tallying
// happens only at the proposer.
package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/gossip"
	"github.com/mfrederico/voidlux-sub002/internal/log"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/types"
	"github.com/mfrederico/voidlux-sub002/internal/voiderrs"
)

const (
	proposalTimeout      = 10 * time.Second
	partitionEvalInterval = 5 * time.Second
	partitionGrace       = 15 * time.Second
	proposalExpiry       = 60 * time.Second
	maxSyncEntries       = 500
)

// Validator is the per-node, domain-specific vote function consulted
// for every inbound proposal (§4.9 step 2). It returns (accept, reason).
type Validator func(op string, payload []byte) (bool, string)

// OnCommit fires once a proposal reaches quorum and is appended to the
// local log, on every node (proposer and recipients alike).
type OnCommit func(entry *types.ConsensusLogEntry)

// pendingProposal tracks the proposer-side tally for a proposal this
// node originated.
type pendingProposal struct {
	proposal  types.Proposal
	votesFor  map[string]bool
	votesAgn  map[string]bool
	deadline  time.Time
}

// TermSource reports the local election term, used so a proposal
// never carries a term lower than the current one.
type TermSource interface {
	Term() uint64
	IsLeader() bool
}

// Engine drives propose/vote/commit, the persistent log, and the
// partition detector.
type Engine struct {
	nodeID    string
	store     storage.Store
	mesh      *mesh.Mesh
	clock     *gossip.Clock
	peersFn   func() []string
	validator Validator
	onCommit  OnCommit
	term      TermSource
	logger    zerolog.Logger

	mu         sync.Mutex
	pending    map[string]*pendingProposal
	seenVote   map[string]map[string]bool // proposal_id -> voter_id -> true
	committed  map[string]bool
	queued     []types.Proposal // proposals made while partitioned, replayed on healing

	partitioned       bool
	partitionSince    time.Time
	clusterSizeHint   int // membership_change can override the live-peer-count estimate

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs the consensus Engine. peersFn returns currently
// connected node IDs (typically mesh.Peers); validator is consulted
// for every non-stale-term proposal.
func New(nodeID string, store storage.Store, m *mesh.Mesh, clock *gossip.Clock, peersFn func() []string, term TermSource, validator Validator, onCommit OnCommit) *Engine {
	return &Engine{
		nodeID:    nodeID,
		store:     store,
		mesh:      m,
		clock:     clock,
		peersFn:   peersFn,
		validator: validator,
		onCommit:  onCommit,
		term:      term,
		logger:    log.WithComponent("consensus"),
		pending:   make(map[string]*pendingProposal),
		seenVote:  make(map[string]map[string]bool),
		committed: make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the proposal-timeout sweep and partition detector.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop ends the background loops.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) run() {
	defer e.wg.Done()
	proposalTicker := time.NewTicker(1 * time.Second)
	partitionTicker := time.NewTicker(partitionEvalInterval)
	defer proposalTicker.Stop()
	defer partitionTicker.Stop()

	for {
		select {
		case <-proposalTicker.C:
			e.sweepTimeouts()
		case <-partitionTicker.C:
			e.evaluatePartition()
		case <-e.stopCh:
			return
		}
	}
}

// clusterSize estimates N (live peers + self), honoring a
// membership_change override if one has been applied.
func (e *Engine) clusterSize() int {
	e.mu.Lock()
	hint := e.clusterSizeHint
	e.mu.Unlock()
	if hint > 0 {
		return hint
	}
	return len(e.peersFn()) + 1
}

func quorumFor(n int) int {
	return n/2 + 1
}

// Propose builds and broadcasts a new proposal (§4.9 step 1). If the
// node currently believes the cluster partitioned, the proposal is
// queued instead and replayed once the partition heals.
func (e *Engine) Propose(operation string, payload []byte) (types.Proposal, error) {
	term := e.term.Term() + 1
	n := e.clusterSize()
	p := types.Proposal{
		ID:             uuid.NewString(),
		Term:           term,
		ProposerNodeID: e.nodeID,
		Operation:      operation,
		Payload:        payload,
		LamportTS:      e.clock.Tick(),
		State:          types.ProposalVoting,
		QuorumRequired: quorumFor(n),
		VotesFor:       1,
		CreatedAt:      time.Now(),
	}

	e.mu.Lock()
	if e.partitioned {
		e.queued = append(e.queued, p)
		e.mu.Unlock()
		e.logger.Info().Str("proposal_id", p.ID).Str("operation", operation).Msg("consensus: queued proposal while partitioned")
		return p, nil
	}
	e.pending[p.ID] = &pendingProposal{
		proposal: p,
		votesFor: map[string]bool{e.nodeID: true},
		votesAgn: map[string]bool{},
		deadline: time.Now().Add(proposalTimeout),
	}
	e.mu.Unlock()

	e.broadcastPropose(p)
	// The proposer's own YES already meets a quorum of one.
	if p.VotesFor >= p.QuorumRequired {
		e.commit(p)
	}
	return p, nil
}

func (e *Engine) broadcastPropose(p types.Proposal) {
	e.mesh.Broadcast(codec.OpConsensusPropose, codec.ConsensusPropose{Proposal: toWire(p)})
}

// HandlePropose processes an inbound proposal: validates it, votes,
// and re-broadcasts (§4.9 step 2). Every recipient also re-gossips the
// proposal regardless of its own vote, so voters converge even if the
// proposer's broadcast was partially lost.
func (e *Engine) HandlePropose(fromNodeID string, msg codec.ConsensusPropose) {
	p := fromWire(msg.Proposal)
	e.clock.Witness(p.LamportTS)

	if time.Since(p.CreatedAt) > proposalExpiry {
		e.logger.Debug().Str("proposal_id", p.ID).Msg("consensus: dropped expired proposal")
		return
	}

	vote := true
	reason := ""
	if p.Term < e.term.Term() {
		vote = false
		reason = "stale_term"
	} else if e.validator != nil {
		vote, reason = e.validator(p.Operation, p.Payload)
	}

	e.mesh.Broadcast(codec.OpConsensusPropose, msg)

	voteMsg := codec.ConsensusVote{
		ProposalID: p.ID,
		Term:       p.Term,
		Vote:       vote,
		Reason:     reason,
		VoterID:    e.nodeID,
		LamportTS:  e.clock.Tick(),
	}
	if err := e.mesh.SendTo(p.ProposerNodeID, codec.OpConsensusVote, voteMsg); err != nil {
		e.mesh.Broadcast(codec.OpConsensusVote, voteMsg)
	}
}

// HandleVote tallies an inbound vote (§4.9 step 3). Only the proposer
// counts votes, once per voter.
func (e *Engine) HandleVote(fromNodeID string, msg codec.ConsensusVote) {
	e.clock.Witness(msg.LamportTS)

	e.mu.Lock()
	pp, ok := e.pending[msg.ProposalID]
	if !ok {
		e.mu.Unlock()
		return
	}
	voters, ok := e.seenVote[msg.ProposalID]
	if !ok {
		voters = make(map[string]bool)
		e.seenVote[msg.ProposalID] = voters
	}
	if voters[msg.VoterID] {
		e.mu.Unlock()
		return
	}
	voters[msg.VoterID] = true

	if msg.Vote {
		pp.votesFor[msg.VoterID] = true
	} else {
		pp.votesAgn[msg.VoterID] = true
	}
	votesFor := len(pp.votesFor)
	votesAgn := len(pp.votesAgn)
	quorum := pp.proposal.QuorumRequired
	proposal := pp.proposal
	e.mu.Unlock()

	switch {
	case votesFor >= quorum:
		e.commit(proposal)
	case votesAgn >= quorum:
		e.abort(proposal.ID, proposal.Term, "quorum_rejected")
	}
}

func (e *Engine) commit(p types.Proposal) {
	e.mu.Lock()
	delete(e.pending, p.ID)
	delete(e.seenVote, p.ID)
	e.mu.Unlock()

	p.State = types.ProposalCommitted
	p.CommittedAt = time.Now()
	e.mesh.Broadcast(codec.OpConsensusCommit, codec.ConsensusCommit{Proposal: toWire(p)})
	e.applyCommit(p)
}

func (e *Engine) abort(id string, term uint64, reason string) {
	e.mu.Lock()
	delete(e.pending, id)
	delete(e.seenVote, id)
	e.mu.Unlock()
	e.mesh.Broadcast(codec.OpConsensusAbort, codec.ConsensusAbort{ProposalID: id, Term: term, Reason: reason})
}

// HandleCommit applies an inbound commit, idempotent by proposal id
// (§4.9 step 4).
func (e *Engine) HandleCommit(fromNodeID string, msg codec.ConsensusCommit) {
	p := fromWire(msg.Proposal)
	e.clock.Witness(p.LamportTS)

	e.mu.Lock()
	already := e.committed[p.ID]
	e.mu.Unlock()
	if already {
		return
	}

	e.applyCommit(p)
	e.mesh.BroadcastExcept(fromNodeID, codec.OpConsensusCommit, msg)
}

func (e *Engine) applyCommit(p types.Proposal) {
	e.mu.Lock()
	if e.committed[p.ID] {
		e.mu.Unlock()
		return
	}
	e.committed[p.ID] = true
	delete(e.pending, p.ID)
	e.mu.Unlock()

	last, err := e.store.LastLogIndex()
	if err != nil {
		e.logger.Warn().Err(err).Msg("consensus: read last log index failed")
		return
	}
	p.LogIndex = last + 1

	entry := &types.ConsensusLogEntry{
		ID: p.ID, Term: p.Term, LogIndex: p.LogIndex, ProposerNodeID: p.ProposerNodeID,
		Operation: p.Operation, Payload: p.Payload, LamportTS: p.LamportTS,
		CommittedAt: p.CommittedAt, CreatedAt: p.CreatedAt,
	}
	if err := e.store.AppendConsensusLog(entry); err != nil {
		e.logger.Error().Err(err).Str("proposal_id", p.ID).Msg("consensus: append log failed (fatal)")
		return
	}

	if p.Operation == "membership_change" {
		e.applyMembershipChange(entry.Payload)
	}

	if e.onCommit != nil {
		e.onCommit(entry)
	}
}

// applyMembershipChange updates the partition detector's cluster-size
// estimate from a committed membership_change operation's payload,
// which is the ASCII decimal node count.
func (e *Engine) applyMembershipChange(payload []byte) {
	var n int
	if _, err := fmt.Sscanf(string(payload), "%d", &n); err != nil || n <= 0 {
		return
	}
	e.mu.Lock()
	e.clusterSizeHint = n
	e.mu.Unlock()
}

// HandleAbort drops a locally pending proposal that another node
// observed abort.
func (e *Engine) HandleAbort(fromNodeID string, msg codec.ConsensusAbort) {
	e.mu.Lock()
	delete(e.pending, msg.ProposalID)
	delete(e.seenVote, msg.ProposalID)
	e.mu.Unlock()
}

func (e *Engine) sweepTimeouts() {
	now := time.Now()
	e.mu.Lock()
	var expired []types.Proposal
	for id, pp := range e.pending {
		if now.After(pp.deadline) {
			expired = append(expired, pp.proposal)
			delete(e.pending, id)
			delete(e.seenVote, id)
		}
	}
	e.mu.Unlock()

	for _, p := range expired {
		e.logger.Info().Str("proposal_id", p.ID).Msg("consensus: proposal timed out without quorum")
		e.mesh.Broadcast(codec.OpConsensusAbort, codec.ConsensusAbort{ProposalID: p.ID, Term: p.Term, Reason: "timeout"})
	}
}

// evaluatePartition implements the 5s-evaluation / 15s-grace partition
// detector (§4.9): a peer counts as reachable while peersFn lists it
// (a live mesh connection); last-seen times are not consulted.
func (e *Engine) evaluatePartition() {
	n := e.clusterSize()
	reachable := len(e.peersFn()) + 1
	hasQuorum := reachable > n/2

	e.mu.Lock()
	defer e.mu.Unlock()

	if hasQuorum {
		wasPartitioned := e.partitioned
		e.partitioned = false
		e.partitionSince = time.Time{}
		if wasPartitioned && len(e.queued) > 0 {
			queued := e.queued
			e.queued = nil
			go e.replayQueued(queued)
		}
		return
	}

	if e.partitionSince.IsZero() {
		e.partitionSince = time.Now()
		return
	}
	if time.Since(e.partitionSince) >= partitionGrace {
		e.partitioned = true
	}
}

func (e *Engine) replayQueued(queued []types.Proposal) {
	for _, p := range queued {
		if time.Since(p.CreatedAt) > proposalExpiry {
			continue
		}
		if _, err := e.Propose(p.Operation, p.Payload); err != nil {
			e.logger.Warn().Err(err).Str("proposal_id", p.ID).Msg("consensus: replay failed")
		}
	}
}

// ReadConsistent serves a linearizable read: the leader must confirm
// its lease still implies quorum before answering (§4.9). Any node may
// still serve a stale read from its local log via LastLogIndex/Store
// directly.
func (e *Engine) ReadConsistent() error {
	if !e.term.IsLeader() {
		return voiderrs.ErrNotLeader
	}
	e.mu.Lock()
	partitioned := e.partitioned
	e.mu.Unlock()
	if partitioned {
		return voiderrs.ErrQuorumLost
	}
	return nil
}

// HandleSyncReq answers a peer's consensus-log catch-up request.
func (e *Engine) HandleSyncReq(fromNodeID string, msg codec.ConsensusSyncReq) {
	entries, err := e.store.ConsensusLogSince(msg.AfterLogIndex)
	if err != nil {
		e.logger.Warn().Err(err).Msg("consensus sync req: list failed")
		return
	}
	if len(entries) > maxSyncEntries {
		entries = entries[:maxSyncEntries]
	}
	wires := make([]codec.ProposalWire, 0, len(entries))
	for _, en := range entries {
		wires = append(wires, codec.ProposalWire{
			ID: en.ID, Term: en.Term, LogIndex: en.LogIndex, ProposerNodeID: en.ProposerNodeID,
			Operation: en.Operation, Payload: en.Payload, LamportTS: en.LamportTS,
			CreatedAtUnix: unixOrZero(en.CreatedAt),
		})
	}
	_ = e.mesh.SendTo(fromNodeID, codec.OpConsensusSyncRsp, codec.ConsensusSyncRsp{Entries: wires})
}

// HandleSyncRsp applies every log entry in a sync response that this
// node doesn't already have, in order.
func (e *Engine) HandleSyncRsp(fromNodeID string, msg codec.ConsensusSyncRsp) {
	for _, w := range msg.Entries {
		have, err := e.store.HasConsensusLogEntry(w.ID)
		if err != nil || have {
			continue
		}
		p := fromWire(w)
		p.State = types.ProposalCommitted
		e.applyCommit(p)
	}
}

func toWire(p types.Proposal) codec.ProposalWire {
	return codec.ProposalWire{
		ID: p.ID, Term: p.Term, LogIndex: p.LogIndex, ProposerNodeID: p.ProposerNodeID,
		Operation: p.Operation, Payload: p.Payload, LamportTS: p.LamportTS,
		QuorumRequired: p.QuorumRequired, CreatedAtUnix: unixOrZero(p.CreatedAt),
	}
}

func fromWire(w codec.ProposalWire) types.Proposal {
	return types.Proposal{
		ID: w.ID, Term: w.Term, LogIndex: w.LogIndex, ProposerNodeID: w.ProposerNodeID,
		Operation: w.Operation, Payload: w.Payload, LamportTS: w.LamportTS,
		QuorumRequired: w.QuorumRequired, CreatedAt: timeOrZero(w.CreatedAtUnix),
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
