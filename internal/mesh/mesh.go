// Package mesh implements the VoidLux P2P transport (§4.2): a TCP
// listener and dialer exchanging length-prefixed msgpack frames, with
// connect-time HMAC auth (§4.3), idle-timeout eviction, and broadcast
// / send-to fan-out over the live connection set.
package mesh

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mfrederico/voidlux-sub002/internal/auth"
	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/log"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

// IdleTimeout closes a connection that has exchanged no frames (not
// even a PING) for this long.
const IdleTimeout = 60 * time.Second

// Handler is invoked for every decoded inbound envelope. fromNodeID is
// empty until the connection has completed auth.
type Handler func(fromNodeID string, env codec.Envelope)

// ConnectHandler is invoked once a connection (inbound or outbound)
// has authenticated.
type ConnectHandler func(nodeID string, role types.Role)

// DisconnectHandler is invoked when a connection is torn down.
type DisconnectHandler func(nodeID string)

// Config bundles everything Mesh needs to identify itself on the wire
// and validate peers.
type Config struct {
	NodeID     string
	Role       types.Role
	BindHost   string
	Port       int
	AuthSecret []byte // nil means the mesh is open, no handshake required
}

// Mesh owns the listening socket and the set of live peer
// connections, and is the only component that touches raw net.Conn.
type Mesh struct {
	cfg Config

	listener net.Listener

	mu      sync.Mutex
	conns   map[string]*conn // keyed by remote node_id
	dialing map[string]bool  // addresses currently being dialed, for dedup

	onMessage    Handler
	onConnect    ConnectHandler
	onDisconnect DisconnectHandler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type conn struct {
	nc       net.Conn
	nodeID   string
	role     types.Role
	authed   bool
	writeMu  sync.Mutex
	fr       *codec.FrameReader
	closed   chan struct{}
	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		_ = c.nc.Close()
		close(c.closed)
	})
}

// New constructs a Mesh. Handlers may be nil.
func New(cfg Config, onMessage Handler, onConnect ConnectHandler, onDisconnect DisconnectHandler) *Mesh {
	return &Mesh{
		cfg:          cfg,
		conns:        make(map[string]*conn),
		dialing:      make(map[string]bool),
		onMessage:    onMessage,
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
		stopCh:       make(chan struct{}),
	}
}

// controlReusePort sets SO_REUSEADDR and SO_REUSEPORT on the listening
// socket so a node can rebind quickly after a crash-restart without
// waiting out TIME_WAIT, matching §4.2.
func controlReusePort(network, address string, c syscallConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			sockErr = err
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			sockErr = err
			return
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

type syscallConn interface {
	Control(f func(fd uintptr)) error
}

// Start opens the listening socket and begins accepting connections.
func (m *Mesh) Start(ctx context.Context) error {
	lc := net.ListenConfig{Control: controlReusePort}
	addr := fmt.Sprintf("%s:%d", m.cfg.BindHost, m.cfg.Port)
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("mesh: listen %s: %w", addr, err)
	}
	m.listener = ln

	m.wg.Add(1)
	go m.acceptLoop()
	return nil
}

// Stop closes the listener and every live connection.
func (m *Mesh) Stop() error {
	close(m.stopCh)
	var err error
	if m.listener != nil {
		err = m.listener.Close()
	}
	m.mu.Lock()
	for _, c := range m.conns {
		c.close()
	}
	m.mu.Unlock()
	m.wg.Wait()
	return err
}

func (m *Mesh) acceptLoop() {
	defer m.wg.Done()
	for {
		nc, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				log.Logger().Warn().Err(err).Msg("mesh: accept failed")
				return
			}
		}
		m.wg.Add(1)
		go m.serve(nc, false, "")
	}
}

// ConnectTo dials addr unless a dial to addr is already in flight.
// Existing connections are not checked; serve replaces an older
// connection to the same node id once the new one authenticates.
func (m *Mesh) ConnectTo(addr string) error {
	m.mu.Lock()
	if m.dialing[addr] {
		m.mu.Unlock()
		return nil
	}
	m.dialing[addr] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.dialing, addr)
		m.mu.Unlock()
	}()

	nc, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("mesh: dial %s: %w", addr, err)
	}

	m.wg.Add(1)
	go m.serve(nc, true, addr)
	return nil
}

func (m *Mesh) serve(nc net.Conn, outbound bool, dialedAddr string) {
	defer m.wg.Done()
	c := &conn{nc: nc, fr: codec.NewFrameReader(), closed: make(chan struct{})}

	if err := m.handshake(c, outbound); err != nil {
		log.Logger().Warn().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("mesh: handshake failed")
		c.close()
		return
	}

	m.mu.Lock()
	if existing, ok := m.conns[c.nodeID]; ok {
		m.mu.Unlock()
		existing.close()
		m.mu.Lock()
	}
	m.conns[c.nodeID] = c
	m.mu.Unlock()

	if m.onConnect != nil {
		m.onConnect(c.nodeID, c.role)
	}

	m.readLoop(c)

	m.mu.Lock()
	if m.conns[c.nodeID] == c {
		delete(m.conns, c.nodeID)
	}
	m.mu.Unlock()
	if m.onDisconnect != nil {
		m.onDisconnect(c.nodeID)
	}
}

func (m *Mesh) readLoop(c *conn) {
	buf := make([]byte, 64*1024)
	for {
		_ = c.nc.SetReadDeadline(time.Now().Add(IdleTimeout))
		n, err := c.nc.Read(buf)
		if err != nil {
			c.close()
			return
		}
		c.fr.Feed(buf[:n])
		for {
			body, ok, err := c.fr.Next()
			if err != nil {
				log.Logger().Warn().Err(err).Msg("mesh: frame error")
				c.close()
				return
			}
			if !ok {
				break
			}
			env, err := codec.DecodeEnvelope(body)
			if err != nil {
				log.Logger().Warn().Err(err).Msg("mesh: envelope decode error")
				continue
			}
			if m.onMessage != nil {
				m.onMessage(c.nodeID, env)
			}
		}
	}
}

// send writes one already-encoded frame to c, serialised against
// concurrent writers.
func (c *conn) send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(frame)
	return err
}

// SendTo encodes and delivers a message to exactly one connected,
// authenticated peer.
func (m *Mesh) SendTo(nodeID string, op codec.Opcode, payload interface{}) error {
	m.mu.Lock()
	c, ok := m.conns[nodeID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mesh: no connection to node %s", nodeID)
	}
	frame, err := codec.Encode(op, payload)
	if err != nil {
		return fmt.Errorf("mesh: encode: %w", err)
	}
	return c.send(frame)
}

// Broadcast delivers a message to every authenticated peer, skipping
// ones that fail to write rather than aborting the fan-out.
func (m *Mesh) Broadcast(op codec.Opcode, payload interface{}) {
	frame, err := codec.Encode(op, payload)
	if err != nil {
		log.Logger().Error().Err(err).Msg("mesh: broadcast encode failed")
		return
	}

	m.mu.Lock()
	targets := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	for _, c := range targets {
		if err := c.send(frame); err != nil {
			log.Logger().Debug().Err(err).Str("node_id", c.nodeID).Msg("mesh: broadcast write failed")
		}
	}
}

// BroadcastExcept delivers a message to every authenticated peer other
// than excludeNodeID, used by the gossip engine to flood a message
// without bouncing it straight back to the peer that sent it.
func (m *Mesh) BroadcastExcept(excludeNodeID string, op codec.Opcode, payload interface{}) {
	frame, err := codec.Encode(op, payload)
	if err != nil {
		log.Logger().Error().Err(err).Msg("mesh: broadcast encode failed")
		return
	}

	m.mu.Lock()
	targets := make([]*conn, 0, len(m.conns))
	for id, c := range m.conns {
		if id == excludeNodeID {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.Unlock()

	for _, c := range targets {
		if err := c.send(frame); err != nil {
			log.Logger().Debug().Err(err).Str("node_id", c.nodeID).Msg("mesh: broadcast write failed")
		}
	}
}

// Peers returns the node IDs of currently connected peers.
func (m *Mesh) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

// Connected reports whether nodeID currently has a live connection.
func (m *Mesh) Connected(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[nodeID]
	return ok
}

// handshake performs the HELLO / AUTH_CHALLENGE / AUTH_RESPONSE
// exchange described in §4.3, populating c.nodeID/c.role on success.
func (m *Mesh) handshake(c *conn, outbound bool) error {
	hello := codec.Hello{NodeID: m.cfg.NodeID, P2PPort: m.cfg.Port, Role: string(m.cfg.Role)}
	frame, err := codec.Encode(codec.OpHello, hello)
	if err != nil {
		return err
	}
	if err := c.send(frame); err != nil {
		return err
	}

	peerHello, err := m.readOne(c)
	if err != nil {
		return err
	}
	if peerHello.Type != codec.OpHello {
		return fmt.Errorf("mesh: expected HELLO, got %s", peerHello.Type)
	}
	var hdr codec.Hello
	if err := codec.DecodePayload(peerHello, &hdr); err != nil {
		return err
	}
	c.nodeID = hdr.NodeID
	c.role = types.Role(hdr.Role)

	if len(m.cfg.AuthSecret) == 0 {
		c.authed = true
		return nil
	}

	if outbound {
		return m.handshakeAuthenticateOutbound(c)
	}
	return m.handshakeAuthenticateInbound(c)
}

func (m *Mesh) handshakeAuthenticateOutbound(c *conn) error {
	chalEnv, err := m.readOne(c)
	if err != nil {
		return err
	}
	if chalEnv.Type != codec.OpAuthChallenge {
		return fmt.Errorf("mesh: expected AUTH_CHALLENGE, got %s", chalEnv.Type)
	}
	var chal codec.AuthChallenge
	if err := codec.DecodePayload(chalEnv, &chal); err != nil {
		return err
	}
	nonce, err := hex.DecodeString(chal.NonceHex)
	if err != nil {
		return fmt.Errorf("mesh: decode nonce: %w", err)
	}
	mac := auth.Sign(m.cfg.AuthSecret, nonce, m.cfg.NodeID, m.cfg.Role)
	resp := codec.AuthResponse{HMAC: mac, NodeID: m.cfg.NodeID, Role: string(m.cfg.Role)}
	frame, err := codec.Encode(codec.OpAuthResponse, resp)
	if err != nil {
		return err
	}
	if err := c.send(frame); err != nil {
		return err
	}

	result, err := m.readOne(c)
	if err != nil {
		return err
	}
	if result.Type == codec.OpAuthReject {
		return fmt.Errorf("mesh: auth rejected by peer")
	}
	c.authed = true
	return nil
}

func (m *Mesh) handshakeAuthenticateInbound(c *conn) error {
	chal, err := auth.NewChallenge()
	if err != nil {
		return err
	}
	frame, err := codec.Encode(codec.OpAuthChallenge, codec.AuthChallenge{NonceHex: hex.EncodeToString(chal.Nonce)})
	if err != nil {
		return err
	}
	if err := c.send(frame); err != nil {
		return err
	}

	respEnv, err := m.readOne(c)
	if err != nil {
		return err
	}
	if respEnv.Type != codec.OpAuthResponse {
		m.reject(c, "expected AUTH_RESPONSE")
		return fmt.Errorf("mesh: expected AUTH_RESPONSE, got %s", respEnv.Type)
	}
	var resp codec.AuthResponse
	if err := codec.DecodePayload(respEnv, &resp); err != nil {
		return err
	}

	if chal.Expired() {
		m.reject(c, "nonce expired")
		return fmt.Errorf("mesh: nonce expired for node %s", resp.NodeID)
	}
	if resp.NodeID != c.nodeID || types.Role(resp.Role) != c.role {
		m.reject(c, "role drift from HELLO")
		return fmt.Errorf("mesh: auth response for %s/%s does not match HELLO for %s/%s", resp.NodeID, resp.Role, c.nodeID, c.role)
	}
	if !auth.Verify(m.cfg.AuthSecret, chal.Nonce, resp.NodeID, types.Role(resp.Role), resp.HMAC) {
		m.reject(c, "hmac mismatch")
		return fmt.Errorf("mesh: auth failed for node %s", resp.NodeID)
	}

	frame, err = codec.Encode(codec.OpPong, codec.Pong{})
	if err != nil {
		return err
	}
	if err := c.send(frame); err != nil {
		return err
	}
	c.authed = true
	return nil
}

func (m *Mesh) reject(c *conn, reason string) {
	frame, err := codec.Encode(codec.OpAuthReject, codec.AuthReject{Reason: reason})
	if err == nil {
		_ = c.send(frame)
	}
}

// readOne blocks for exactly one envelope during the handshake, which
// predates the steady-state read loop and its idle-timeout handling.
func (m *Mesh) readOne(c *conn) (codec.Envelope, error) {
	_ = c.nc.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, 4096)
	for {
		body, ok, err := c.fr.Next()
		if err != nil {
			return codec.Envelope{}, err
		}
		if ok {
			return codec.DecodeEnvelope(body)
		}
		n, err := c.nc.Read(buf)
		if err != nil {
			return codec.Envelope{}, fmt.Errorf("mesh: handshake read: %w", err)
		}
		c.fr.Feed(buf[:n])
	}
}
