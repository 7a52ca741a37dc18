// Package peer implements the VoidLux peer manager (§4.4): the known-
// address book, redial sweep with per-address exponential backoff,
// and the unified observe() funnel fed by every discovery source.
package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mfrederico/voidlux-sub002/internal/log"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

// RedialInterval is how often the manager sweeps known addresses
// looking for ones to (re)dial.
const RedialInterval = 15 * time.Second

// PruneAfter is how long an offline peer is kept before being
// forgotten entirely.
const PruneAfter = 10 * time.Minute

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

type addrState struct {
	nodeIDHint  string
	nextAttempt time.Time
	backoff     time.Duration
}

// Manager owns the peer book and drives the redial sweep. It does not
// dial directly; it asks the Mesh to, keeping the connection/framing
// concern out of this package.
type Manager struct {
	nodeID string
	store  storage.Store
	mesh   *mesh.Mesh
	logger zerolog.Logger

	mu         sync.Mutex
	knownAddrs map[string]*addrState // "host:port" -> dial state
	peers      map[string]*types.Peer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a peer Manager bound to the local node's mesh and
// store.
func New(nodeID string, store storage.Store, m *mesh.Mesh) *Manager {
	return &Manager{
		nodeID:     nodeID,
		store:      store,
		mesh:       m,
		logger:     log.WithComponent("peer"),
		knownAddrs: make(map[string]*addrState),
		peers:      make(map[string]*types.Peer),
		stopCh:     make(chan struct{}),
	}
}

// Start loads the persisted peer cache and begins the redial sweep.
func (m *Manager) Start() error {
	cached, err := m.store.ListPeers()
	if err != nil {
		return fmt.Errorf("peer: load cache: %w", err)
	}
	m.mu.Lock()
	for _, p := range cached {
		m.peers[p.NodeID] = p
		addr := fmt.Sprintf("%s:%d", p.Host, p.P2PPort)
		m.knownAddrs[addr] = &addrState{nodeIDHint: p.NodeID, backoff: initialBackoff}
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
	return nil
}

// Stop ends the redial sweep.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(RedialInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.redialSweep()
			m.pruneStale()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) redialSweep() {
	now := time.Now()

	m.mu.Lock()
	toDial := make([]string, 0)
	for addr, st := range m.knownAddrs {
		if st.nodeIDHint != "" && m.mesh.Connected(st.nodeIDHint) {
			continue
		}
		if now.Before(st.nextAttempt) {
			continue
		}
		toDial = append(toDial, addr)
	}
	m.mu.Unlock()

	for _, addr := range toDial {
		if err := m.mesh.ConnectTo(addr); err != nil {
			m.logger.Debug().Err(err).Str("addr", addr).Msg("redial failed")
			m.backoffAddr(addr)
			continue
		}
		m.resetBackoff(addr)
	}
}

func (m *Manager) backoffAddr(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.knownAddrs[addr]
	if !ok {
		return
	}
	st.backoff *= 2
	if st.backoff > maxBackoff {
		st.backoff = maxBackoff
	}
	st.nextAttempt = time.Now().Add(st.backoff)
}

func (m *Manager) resetBackoff(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.knownAddrs[addr]
	if !ok {
		return
	}
	st.backoff = initialBackoff
	st.nextAttempt = time.Time{}
}

func (m *Manager) pruneStale() {
	cutoff := time.Now().Add(-PruneAfter)

	m.mu.Lock()
	var toPrune []string
	addrsToPrune := make([]string, 0)
	for id, p := range m.peers {
		if id == m.nodeID {
			continue
		}
		if !m.mesh.Connected(id) && p.LastSeen.Before(cutoff) {
			toPrune = append(toPrune, id)
			addrsToPrune = append(addrsToPrune, fmt.Sprintf("%s:%d", p.Host, p.P2PPort))
		}
	}
	for _, id := range toPrune {
		delete(m.peers, id)
	}
	for _, addr := range addrsToPrune {
		delete(m.knownAddrs, addr)
	}
	m.mu.Unlock()

	for _, id := range toPrune {
		if err := m.store.DeletePeer(id); err != nil {
			m.logger.Warn().Err(err).Str("node_id", id).Msg("prune: delete peer failed")
		}
	}
}

// Observe is the unified funnel every discovery source feeds (§4.5):
// it dedupes by node id and, unless the node is already connected or
// is this node itself, records the address as a dial candidate.
func (m *Manager) Observe(host string, p2pPort int, httpPort int, nodeID string, role types.Role) {
	if nodeID == "" || nodeID == m.nodeID {
		return
	}

	addr := fmt.Sprintf("%s:%d", host, p2pPort)
	now := time.Now()

	m.mu.Lock()
	p, existed := m.peers[nodeID]
	if !existed {
		p = &types.Peer{NodeID: nodeID}
	}
	p.Host = host
	p.P2PPort = p2pPort
	p.HTTPPort = httpPort
	p.Role = role
	p.LastSeen = now
	m.peers[nodeID] = p

	if _, ok := m.knownAddrs[addr]; !ok {
		m.knownAddrs[addr] = &addrState{nodeIDHint: nodeID, backoff: initialBackoff}
	}
	alreadyConnected := m.mesh.Connected(nodeID)
	m.mu.Unlock()

	if err := m.store.UpsertPeer(p); err != nil {
		m.logger.Warn().Err(err).Str("node_id", nodeID).Msg("observe: persist peer failed")
	}

	if !alreadyConnected {
		if err := m.mesh.ConnectTo(addr); err != nil {
			m.logger.Debug().Err(err).Str("addr", addr).Msg("observe: connect failed")
		}
	}
}

// MarkAuthenticated flips a peer's authenticated flag once the mesh
// handshake completes, and refreshes last_seen.
func (m *Manager) MarkAuthenticated(nodeID string, role types.Role) {
	m.mu.Lock()
	p, ok := m.peers[nodeID]
	if !ok {
		p = &types.Peer{NodeID: nodeID, Role: role}
		m.peers[nodeID] = p
	}
	p.Authenticated = true
	p.Role = role
	p.LastSeen = time.Now()
	m.mu.Unlock()

	if err := m.store.UpsertPeer(p); err != nil {
		m.logger.Warn().Err(err).Str("node_id", nodeID).Msg("mark authenticated: persist failed")
	}
}

// MarkDisconnected records that a connection to nodeID has dropped.
// The peer record is kept (offline) until pruneStale reaps it.
func (m *Manager) MarkDisconnected(nodeID string) {
	m.mu.Lock()
	if p, ok := m.peers[nodeID]; ok {
		p.Authenticated = false
	}
	m.mu.Unlock()
}

// Peers returns a snapshot of every known peer record.
func (m *Manager) Peers() []*types.Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Peer, 0, len(m.peers))
	for _, p := range m.peers {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// AddSeed registers a configured seed address as a dial candidate
// without a known node id hint.
func (m *Manager) AddSeed(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.knownAddrs[addr]; !ok {
		m.knownAddrs[addr] = &addrState{backoff: initialBackoff}
	}
}

// DialSeeds immediately attempts every configured seed address, used
// at startup so a node doesn't wait out a full redial interval before
// joining the mesh.
func (m *Manager) DialSeeds() {
	m.mu.Lock()
	seeds := make([]string, 0, len(m.knownAddrs))
	for addr, st := range m.knownAddrs {
		if st.nodeIDHint == "" {
			seeds = append(seeds, addr)
		}
	}
	m.mu.Unlock()

	for _, addr := range seeds {
		if err := m.mesh.ConnectTo(addr); err != nil {
			m.logger.Debug().Err(err).Str("addr", addr).Msg("seed dial failed")
		}
	}
}
