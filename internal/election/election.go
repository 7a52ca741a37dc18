// Package election implements VoidLux leader election (§4.8):
// term-based follower/candidate/leader states, a 10s heartbeat, 30s
// staleness timeout, randomised candidacy windows, and a
// lowest-node-id tiebreak for deterministic convergence.
package election

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/gossip"
	"github.com/mfrederico/voidlux-sub002/internal/log"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
)

// State is one of the three election states.
type State string

const (
	StateFollower  State = "follower"
	StateCandidate State = "candidate"
	StateLeader    State = "leader"
)

const (
	heartbeatInterval  = 10 * time.Second
	stalenessTimeout   = 30 * time.Second
	candidacyBase      = 5 * time.Second
	candidacyJitterMax = 3 * time.Second
)

// OnLeaderChange is invoked whenever the locally observed leader
// changes, including a self-promotion.
type OnLeaderChange func(leaderID string, term uint64)

// Elector runs the single-leader election state machine for one node.
// A single implementation resolves the open question of multiple
// concurrent emperors overlapping during partition heal (SPEC_FULL
// §4.9): only the highest-term heartbeat or victory is ever honored.
type Elector struct {
	nodeID       string
	startAsLeader bool
	mesh         *mesh.Mesh
	clock        *gossip.Clock
	logger       zerolog.Logger
	onChange     OnLeaderChange

	mu               sync.Mutex
	state            State
	currentTerm      uint64
	leaderID         string
	lastHeartbeatAt  time.Time
	candidates       map[string]uint64 // node_id -> term, seen during current election
	electionDeadline time.Time
	electionTerm     uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Elector. If startAsLeader is true the node enters
// StateLeader at term 1 immediately (the "emperor-by-configuration"
// bootstrap case); otherwise it starts as a follower with no leader.
func New(nodeID string, startAsLeader bool, m *mesh.Mesh, clock *gossip.Clock, onChange OnLeaderChange) *Elector {
	e := &Elector{
		nodeID:        nodeID,
		startAsLeader: startAsLeader,
		mesh:          m,
		clock:         clock,
		logger:        log.WithComponent("election"),
		onChange:      onChange,
		candidates:    make(map[string]uint64),
		stopCh:        make(chan struct{}),
	}
	if startAsLeader {
		e.state = StateLeader
		e.currentTerm = 1
		e.leaderID = nodeID
	} else {
		e.state = StateFollower
	}
	return e
}

// Start launches the election/heartbeat supervisory loop.
func (e *Elector) Start() {
	e.mu.Lock()
	e.lastHeartbeatAt = time.Now()
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run()
}

// Stop ends the supervisory loop.
func (e *Elector) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Elector) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tick()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Elector) tick() {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	switch state {
	case StateLeader:
		e.maybeHeartbeat()
	case StateFollower:
		e.maybeBecomeCandidate()
	case StateCandidate:
		e.maybeConcludeElection()
	}
}

func (e *Elector) maybeHeartbeat() {
	e.mu.Lock()
	due := time.Since(e.lastHeartbeatAt) >= heartbeatInterval
	if due {
		e.lastHeartbeatAt = time.Now()
	}
	term := e.currentTerm
	e.mu.Unlock()

	if !due {
		return
	}
	e.mesh.Broadcast(codec.OpEmperorHeartbeat, codec.EmperorHeartbeat{
		NodeID: e.nodeID, Term: term, LamportTS: e.clock.Tick(),
	})
}

func (e *Elector) maybeBecomeCandidate() {
	e.mu.Lock()
	stale := time.Since(e.lastHeartbeatAt) > stalenessTimeout
	e.mu.Unlock()
	if !stale {
		return
	}
	e.startElection()
}

func (e *Elector) startElection() {
	e.mu.Lock()
	e.state = StateCandidate
	e.currentTerm++
	term := e.currentTerm
	e.candidates = map[string]uint64{e.nodeID: term}
	jitter := time.Duration(rand.Int63n(int64(candidacyJitterMax)))
	e.electionDeadline = time.Now().Add(candidacyBase + jitter)
	e.electionTerm = term
	e.mu.Unlock()

	e.logger.Info().Uint64("term", term).Msg("election: starting candidacy")
	e.mesh.Broadcast(codec.OpElectionStart, codec.ElectionStart{
		NodeID: e.nodeID, Term: term, LamportTS: e.clock.Tick(),
	})
}

func (e *Elector) maybeConcludeElection() {
	e.mu.Lock()
	due := !e.electionDeadline.IsZero() && time.Now().After(e.electionDeadline)
	if !due {
		e.mu.Unlock()
		return
	}
	term := e.electionTerm
	winner := e.nodeID
	for id := range e.candidates {
		if id < winner {
			winner = id
		}
	}
	e.mu.Unlock()

	if winner == e.nodeID {
		e.becomeLeader(term)
		e.mesh.Broadcast(codec.OpElectionVictory, codec.ElectionVictory{NodeID: e.nodeID, Term: term, LamportTS: e.clock.Tick()})
	} else {
		e.mu.Lock()
		e.state = StateFollower
		e.mu.Unlock()
	}
}

func (e *Elector) becomeLeader(term uint64) {
	e.mu.Lock()
	e.state = StateLeader
	e.currentTerm = term
	e.leaderID = e.nodeID
	e.lastHeartbeatAt = time.Now()
	e.mu.Unlock()

	e.logger.Info().Uint64("term", term).Msg("election: became leader")
	if e.onChange != nil {
		e.onChange(e.nodeID, term)
	}
}

// HandleEmperorHeartbeat processes an inbound leader heartbeat. A
// heartbeat with a term at or above the local term is always adopted
// and cancels any in-progress candidacy; a stale-term heartbeat from a
// deposed emperor is dropped and logged, never acted on.
func (e *Elector) HandleEmperorHeartbeat(msg codec.EmperorHeartbeat) {
	e.clock.Witness(msg.LamportTS)

	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.Term < e.currentTerm {
		e.logger.Debug().Str("from", msg.NodeID).Uint64("term", msg.Term).Uint64("current_term", e.currentTerm).
			Msg("election: dropped stale-term heartbeat")
		return
	}

	wasLeader := e.state == StateLeader && e.leaderID == e.nodeID
	e.currentTerm = msg.Term
	e.leaderID = msg.NodeID
	e.lastHeartbeatAt = time.Now()

	if msg.NodeID == e.nodeID {
		e.state = StateLeader
		return
	}

	e.state = StateFollower
	if wasLeader {
		e.logger.Info().Str("new_leader", msg.NodeID).Uint64("term", msg.Term).Msg("election: deposed, higher-term leader observed")
	}
}

// HandleElectionStart processes an inbound candidacy announcement.
func (e *Elector) HandleElectionStart(msg codec.ElectionStart) {
	e.clock.Witness(msg.LamportTS)

	e.mu.Lock()
	defer e.mu.Unlock()

	if msg.Term < e.currentTerm {
		return
	}

	if e.state == StateLeader && e.currentTerm >= msg.Term {
		// Reassert leadership with an immediate heartbeat.
		term := e.currentTerm
		e.mu.Unlock()
		e.mesh.Broadcast(codec.OpEmperorHeartbeat, codec.EmperorHeartbeat{NodeID: e.nodeID, Term: term, LamportTS: e.clock.Tick()})
		e.mu.Lock()
		return
	}

	if msg.Term > e.currentTerm {
		e.currentTerm = msg.Term
		e.state = StateCandidate
		e.candidates = map[string]uint64{e.nodeID: e.currentTerm}
		jitter := time.Duration(rand.Int63n(int64(candidacyJitterMax)))
		e.electionDeadline = time.Now().Add(candidacyBase + jitter)
		e.electionTerm = e.currentTerm
	}
	if msg.Term == e.electionTerm {
		e.candidates[msg.NodeID] = msg.Term
	}
}

// HandleElectionVictory adopts the winner of a term's election.
func (e *Elector) HandleElectionVictory(msg codec.ElectionVictory) {
	e.clock.Witness(msg.LamportTS)

	e.mu.Lock()
	if msg.Term < e.currentTerm {
		e.mu.Unlock()
		return
	}
	e.currentTerm = msg.Term
	e.leaderID = msg.NodeID
	e.state = StateFollower
	e.lastHeartbeatAt = time.Now()
	e.mu.Unlock()

	e.logger.Info().Str("leader", msg.NodeID).Uint64("term", msg.Term).Msg("election: victory adopted")
	if e.onChange != nil {
		e.onChange(msg.NodeID, msg.Term)
	}
}

// IsLeader reports whether this node currently believes itself leader.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateLeader && e.leaderID == e.nodeID
}

// LeaderID returns the currently known leader, or "" if none.
func (e *Elector) LeaderID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderID
}

// Term returns the current term.
func (e *Elector) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTerm
}

// State returns the current election state.
func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LeaderLeaseValid reports whether the known leader has heartbeated
// within stalenessTimeout. Consensus does not call it; its
// ReadConsistent checks leadership and the partition flag instead.
func (e *Elector) LeaderLeaseValid() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.lastHeartbeatAt) < stalenessTimeout
}

// String renders the state for logging/status output.
func (s State) String() string { return string(s) }
