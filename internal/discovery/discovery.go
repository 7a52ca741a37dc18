// Package discovery wires together the three parallel peer-finding
// mechanisms of §4.5 — UDP broadcast, multicast, and Kademlia DHT —
// plus peer-exchange and seed-peer dialing, all funnelling into a
// single observe() call on the peer manager.
package discovery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/discovery/dht"
	"github.com/mfrederico/voidlux-sub002/internal/log"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/peer"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

const (
	broadcastInterval     = 10 * time.Second
	multicastInterval     = 15 * time.Second
	pexInterval           = 30 * time.Second
	selfAnnounce          = 30 * time.Second
	bucketIdleRefresh     = 300 * time.Second
	bucketRefreshInterval = 60 * time.Second
	lookupRounds          = 5
	lookupRoundTimeout    = 5 * time.Second
	multicastAddr         = "239.77.86.76:7947"
	multicastTTL          = 4
)

type helloPayload struct {
	Proto    string `json:"proto"`
	NodeID   string `json:"node_id"`
	P2PPort  int    `json:"p2p_port"`
	Role     string `json:"role,omitempty"`
	HTTPPort int    `json:"http_port,omitempty"`
}

// Config bundles the identifying information the discovery loops
// advertise about this node.
type Config struct {
	NodeID        string
	Role          types.Role
	Host          string
	P2PPort       int
	HTTPPort      int
	DiscoveryPort int
	Seeds         []string
}

// Discovery drives the broadcast/multicast/DHT/PEX loops and hands
// every observation to the peer manager.
type Discovery struct {
	cfg    Config
	peers  *peer.Manager
	m      *mesh.Mesh
	table  *dht.Table
	logger zerolog.Logger

	bcastConn *net.UDPConn
	mcastConn *net.UDPConn

	lookupMu sync.Mutex
	lookups  map[string]chan []codec.DHTNode

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Discovery engine. m is used both to learn of
// currently-connected peers (for PEX) and to route DHT request/
// response opcodes.
func New(cfg Config, peers *peer.Manager, m *mesh.Mesh) *Discovery {
	return &Discovery{
		cfg:     cfg,
		peers:   peers,
		m:       m,
		table:   dht.New(cfg.NodeID),
		logger:  log.WithComponent("discovery"),
		lookups: make(map[string]chan []codec.DHTNode),
		stopCh:  make(chan struct{}),
	}
}

// Start dials seed peers immediately, opens the broadcast/multicast
// sockets, and launches the periodic announce loops.
func (d *Discovery) Start(ctx context.Context) error {
	for _, seed := range d.cfg.Seeds {
		d.peers.AddSeed(seed)
	}
	d.peers.DialSeeds()

	if conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: d.cfg.DiscoveryPort}); err == nil {
		d.bcastConn = conn
	} else {
		d.logger.Warn().Err(err).Msg("discovery: broadcast listen failed")
	}

	if maddr, err := net.ResolveUDPAddr("udp4", multicastAddr); err == nil {
		if conn, err := net.ListenMulticastUDP("udp4", nil, maddr); err == nil {
			d.mcastConn = conn
		} else {
			d.logger.Warn().Err(err).Msg("discovery: multicast listen failed")
		}
	}

	if d.bcastConn != nil {
		d.wg.Add(1)
		go d.readBroadcastLoop()
	}
	if d.mcastConn != nil {
		d.wg.Add(1)
		go d.readMulticastLoop()
	}

	d.wg.Add(1)
	go d.announceLoop()

	return nil
}

// Stop closes the UDP sockets and ends the announce loop.
func (d *Discovery) Stop() {
	close(d.stopCh)
	if d.bcastConn != nil {
		_ = d.bcastConn.Close()
	}
	if d.mcastConn != nil {
		_ = d.mcastConn.Close()
	}
	d.wg.Wait()
}

func (d *Discovery) readBroadcastLoop() {
	defer d.wg.Done()
	buf := make([]byte, 4096)
	for {
		_ = d.bcastConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := d.bcastConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				continue
			}
		}
		d.handleHello(buf[:n])
	}
}

func (d *Discovery) readMulticastLoop() {
	defer d.wg.Done()
	buf := make([]byte, 4096)
	for {
		_ = d.mcastConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := d.mcastConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.stopCh:
				return
			default:
				continue
			}
		}
		d.handleHello(buf[:n])
	}
}

func (d *Discovery) handleHello(data []byte) {
	var h helloPayload
	if err := json.Unmarshal(data, &h); err != nil || h.Proto != "HELLO" {
		return
	}
	if h.NodeID == "" || h.NodeID == d.cfg.NodeID {
		return
	}
	role := types.Role(h.Role)
	d.peers.Observe(d.cfg.Host, h.P2PPort, h.HTTPPort, h.NodeID, role)
	d.table.Upsert(dht.Node{NodeID: h.NodeID, Host: d.cfg.Host, P2PPort: h.P2PPort, LastSeen: time.Now()}, bucketIdleRefresh, 3)
}

func (d *Discovery) announceLoop() {
	defer d.wg.Done()
	broadcastTicker := time.NewTicker(broadcastInterval)
	multicastTicker := time.NewTicker(multicastInterval)
	pexTicker := time.NewTicker(pexInterval)
	selfAnnounceTicker := time.NewTicker(selfAnnounce)
	bucketRefreshTicker := time.NewTicker(bucketRefreshInterval)
	defer broadcastTicker.Stop()
	defer multicastTicker.Stop()
	defer pexTicker.Stop()
	defer selfAnnounceTicker.Stop()
	defer bucketRefreshTicker.Stop()

	for {
		select {
		case <-broadcastTicker.C:
			d.sendBroadcast()
		case <-multicastTicker.C:
			d.sendMulticast()
		case <-pexTicker.C:
			d.sendPEX()
		case <-selfAnnounceTicker.C:
			d.selfAnnounceDHT()
		case <-bucketRefreshTicker.C:
			d.RefreshStaleBuckets()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Discovery) sendBroadcast() {
	if d.bcastConn == nil {
		return
	}
	payload, err := json.Marshal(helloPayload{Proto: "HELLO", NodeID: d.cfg.NodeID, P2PPort: d.cfg.P2PPort})
	if err != nil {
		return
	}
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: d.cfg.DiscoveryPort}
	if _, err := d.bcastConn.WriteToUDP(payload, dst); err != nil {
		d.logger.Debug().Err(err).Msg("discovery: broadcast send failed")
	}
}

func (d *Discovery) sendMulticast() {
	conn, err := net.Dial("udp4", multicastAddr)
	if err != nil {
		return
	}
	defer conn.Close()

	pconn := ipv4.NewPacketConn(conn.(*net.UDPConn))
	if err := pconn.SetMulticastTTL(multicastTTL); err != nil {
		d.logger.Debug().Err(err).Msg("discovery: set multicast TTL failed")
	}
	if err := pconn.SetMulticastLoopback(false); err != nil {
		d.logger.Debug().Err(err).Msg("discovery: disable multicast loopback failed")
	}

	payload, err := json.Marshal(helloPayload{
		Proto: "HELLO", NodeID: d.cfg.NodeID, P2PPort: d.cfg.P2PPort,
		Role: string(d.cfg.Role), HTTPPort: d.cfg.HTTPPort,
	})
	if err != nil {
		return
	}
	if _, err := conn.Write(payload); err != nil {
		d.logger.Debug().Err(err).Msg("discovery: multicast send failed")
	}
}

// sendPEX broadcasts the currently-connected peer list to the mesh so
// other nodes can learn about peers they haven't met yet.
func (d *Discovery) sendPEX() {
	ids := d.m.Peers()
	if len(ids) == 0 {
		return
	}
	entries := make([]codec.PEXEntry, 0, len(ids))
	for _, id := range ids {
		for _, p := range d.peers.Peers() {
			if p.NodeID == id {
				entries = append(entries, codec.PEXEntry{NodeID: p.NodeID, Host: p.Host, P2PPort: p.P2PPort})
			}
		}
	}
	if len(entries) == 0 {
		return
	}
	d.m.Broadcast(codec.OpPEX, codec.PEX{Peers: entries})
}

// HandlePEX processes an inbound PEX envelope, feeding unknown
// entries into observe().
func (d *Discovery) HandlePEX(msg codec.PEX) {
	for _, e := range msg.Peers {
		if e.NodeID == d.cfg.NodeID {
			continue
		}
		d.peers.Observe(e.Host, e.P2PPort, 0, e.NodeID, "")
	}
}

// selfAnnounceDHT announces this node to its K closest peers. Mesh
// broadcast reaches only live connections, which in a converged mesh
// are a superset of the routing table's K-closest set; an addressed
// per-peer send is unnecessary overhead here.
func (d *Discovery) selfAnnounceDHT() {
	d.m.Broadcast(codec.OpDHTAnnounce, codec.DHTAnnounce{NodeID: d.cfg.NodeID, Host: d.cfg.Host, P2PPort: d.cfg.P2PPort})
}

// HandleDHTAnnounce records the announcing node in the routing table.
func (d *Discovery) HandleDHTAnnounce(msg codec.DHTAnnounce) {
	if msg.NodeID == d.cfg.NodeID {
		return
	}
	d.peers.Observe(msg.Host, msg.P2PPort, 0, msg.NodeID, "")
	d.table.Upsert(dht.Node{NodeID: msg.NodeID, Host: msg.Host, P2PPort: msg.P2PPort, LastSeen: time.Now()}, bucketIdleRefresh, 3)
}

// HandleDHTLookup answers a lookup request with the locally known
// closest nodes to the requested target.
func (d *Discovery) HandleDHTLookup(fromNodeID string, msg codec.DHTLookup) {
	raw, err := hex.DecodeString(msg.Target)
	if err != nil {
		return
	}
	var target dht.ID
	copy(target[:], raw)
	closest := d.table.Closest(target, dht.K)
	nodes := make([]codec.DHTNode, 0, len(closest))
	for _, c := range closest {
		nodes = append(nodes, codec.DHTNode{NodeID: c.NodeID, Host: c.Host, P2PPort: c.P2PPort})
	}
	_ = d.m.SendTo(fromNodeID, codec.OpDHTLookupRsp, codec.DHTLookupRsp{RequestID: msg.RequestID, Nodes: nodes})
}

// HandleDHTLookupRsp feeds returned nodes into both the routing table
// and the peer manager, and, if the response answers a lookup this
// node is still waiting on, hands it to that lookup's round.
func (d *Discovery) HandleDHTLookupRsp(msg codec.DHTLookupRsp) {
	for _, n := range msg.Nodes {
		if n.NodeID == d.cfg.NodeID {
			continue
		}
		d.peers.Observe(n.Host, n.P2PPort, 0, n.NodeID, "")
		d.table.Upsert(dht.Node{NodeID: n.NodeID, Host: n.Host, P2PPort: n.P2PPort, LastSeen: time.Now()}, bucketIdleRefresh, 3)
	}
	d.completeLookup(msg.RequestID, msg.Nodes)
}

func (d *Discovery) registerLookup(requestID string) chan []codec.DHTNode {
	ch := make(chan []codec.DHTNode, 1)
	d.lookupMu.Lock()
	d.lookups[requestID] = ch
	d.lookupMu.Unlock()
	return ch
}

func (d *Discovery) completeLookup(requestID string, nodes []codec.DHTNode) {
	d.lookupMu.Lock()
	ch, ok := d.lookups[requestID]
	if ok {
		delete(d.lookups, requestID)
	}
	d.lookupMu.Unlock()
	if ok {
		ch <- nodes
	}
}

func (d *Discovery) abandonLookup(requestID string) {
	d.lookupMu.Lock()
	delete(d.lookups, requestID)
	d.lookupMu.Unlock()
}

// Lookup performs an iterative Kademlia lookup for target (§4.5): each
// round it queries the α closest not-yet-queried candidates in the
// current result set, folds every returned node back into both the
// candidate set and the routing table, and stops once a round fails
// to produce a candidate closer than the best found so far or
// lookupRounds rounds have elapsed. It returns the closest nodes known
// once the lookup converges.
func (d *Discovery) Lookup(target dht.ID) []dht.Node {
	queried := make(map[string]bool)
	closest := d.table.Closest(target, dht.K)

	for round := 0; round < lookupRounds; round++ {
		var toQuery []dht.Node
		for _, n := range closest {
			if queried[n.NodeID] {
				continue
			}
			toQuery = append(toQuery, n)
			queried[n.NodeID] = true
			if len(toQuery) >= dht.Alpha {
				break
			}
		}
		if len(toQuery) == 0 {
			break
		}

		prevBest, hadPrev := closestDistance(target, closest)
		d.queryRound(target, toQuery)

		closest = d.table.Closest(target, dht.K)
		newBest, hasNew := closestDistance(target, closest)
		if !hasNew {
			break
		}
		if hadPrev && !idLess(newBest, prevBest) {
			break
		}
	}
	return closest
}

// queryRound fires one round of DHTLookup requests at candidates and
// blocks until every candidate has answered or lookupRoundTimeout
// elapses for it.
func (d *Discovery) queryRound(target dht.ID, candidates []dht.Node) {
	var wg sync.WaitGroup
	for _, n := range candidates {
		reqID := fmt.Sprintf("lookup-%x-%d-%s", target[:4], time.Now().UnixNano(), n.NodeID)
		ch := d.registerLookup(reqID)

		wg.Add(1)
		go func(n dht.Node, reqID string, ch chan []codec.DHTNode) {
			defer wg.Done()
			if err := d.m.SendTo(n.NodeID, codec.OpDHTLookup, codec.DHTLookup{RequestID: reqID, Target: fmt.Sprintf("%x", target)}); err != nil {
				d.abandonLookup(reqID)
				return
			}
			select {
			case nodes := <-ch:
				for _, rn := range nodes {
					if rn.NodeID == d.cfg.NodeID {
						continue
					}
					d.table.Upsert(dht.Node{NodeID: rn.NodeID, Host: rn.Host, P2PPort: rn.P2PPort, LastSeen: time.Now()}, bucketIdleRefresh, 3)
				}
			case <-time.After(lookupRoundTimeout):
				d.abandonLookup(reqID)
			}
		}(n, reqID, ch)
	}
	wg.Wait()
}

func closestDistance(target dht.ID, nodes []dht.Node) (dht.ID, bool) {
	if len(nodes) == 0 {
		return dht.ID{}, false
	}
	return dht.Distance(target, nodes[0].ID), true
}

func idLess(a, b dht.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// randomIDForBucket returns a random target ID whose XOR distance
// from self falls in bucket idx, so a lookup for it walks toward
// exactly the part of the keyspace that bucket covers.
func randomIDForBucket(self dht.ID, idx int) dht.ID {
	var distance dht.ID
	byteIdx := idx / 8
	if byteIdx >= len(distance) {
		return self
	}
	bitPos := 7 - (idx % 8)
	distance[byteIdx] = 1 << uint(bitPos)
	lowMask := byte(1<<uint(bitPos)) - 1
	distance[byteIdx] |= byte(rand.Intn(256)) & lowMask
	for i := byteIdx + 1; i < len(distance); i++ {
		distance[i] = byte(rand.Intn(256))
	}
	return dht.Distance(self, distance)
}

// RefreshStaleBuckets issues an iterative lookup for a random id in
// the distance range of any bucket idle for more than
// bucketIdleRefresh, per §4.5. Each refresh runs in its own goroutine
// so a slow or unresponsive bucket doesn't delay the others or stall
// announceLoop's ticker.
func (d *Discovery) RefreshStaleBuckets() {
	stale := d.table.StaleBuckets(bucketIdleRefresh)
	for _, idx := range stale {
		d.table.Touch(idx)
		target := randomIDForBucket(d.table.Self(), idx)
		d.wg.Add(1)
		go func(target dht.ID) {
			defer d.wg.Done()
			d.Lookup(target)
		}(target)
	}
}

// Table exposes the routing table for inspection (status CLI, tests).
func (d *Discovery) Table() *dht.Table { return d.table }
