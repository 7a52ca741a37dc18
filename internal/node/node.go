// Package node is the construction root: it wires storage, mesh,
// peer management, discovery, gossip, election, consensus, the task
// queue/dispatcher, the agent registry, and the upgrade coordinator
// into one running VoidLux node, and routes every inbound envelope to
// the component that owns its opcode.
package node

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mfrederico/voidlux-sub002/internal/agent"
	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/consensus"
	"github.com/mfrederico/voidlux-sub002/internal/discovery"
	"github.com/mfrederico/voidlux-sub002/internal/election"
	"github.com/mfrederico/voidlux-sub002/internal/gossip"
	"github.com/mfrederico/voidlux-sub002/internal/log"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/metrics"
	"github.com/mfrederico/voidlux-sub002/internal/nodectx"
	"github.com/mfrederico/voidlux-sub002/internal/peer"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/task"
	"github.com/mfrederico/voidlux-sub002/internal/types"
	"github.com/mfrederico/voidlux-sub002/internal/upgrade"
)

const metricsRefreshInterval = 10 * time.Second

// Node owns every long-lived component for one VoidLux process and is
// the single place that understands how opcodes map to handlers.
type Node struct {
	ctx    nodectx.Context
	logger zerolog.Logger

	Store       storage.Store
	Mesh        *mesh.Mesh
	Peers       *peer.Manager
	Discovery   *discovery.Discovery
	Gossip      *gossip.Engine
	AntiEntropy *gossip.AntiEntropy
	Election    *election.Elector
	Consensus   *consensus.Engine
	Tasks       *task.Queue
	Dispatcher  *task.Dispatcher
	Agents      *agent.Registry
	Upgrade     *upgrade.Coordinator

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs every component for ctx but does not start any of
// them; call Start to bring the node up. bridge is the in-process (or
// external) session bridge the agent registry dispatches tasks
// through; pass agent.NewLoopbackBridge() when none is supplied.
func New(ctx nodectx.Context, bridge agent.SessionBridge) (*Node, error) {
	store, err := storage.NewSQLiteStore(ctx.DataDir, ctx.P2PPort, ctx.NodeID)
	if err != nil {
		return nil, fmt.Errorf("node: open store: %w", err)
	}

	n := &Node{
		ctx:    ctx,
		logger: log.WithComponent("node"),
		Store:  store,
		stopCh: make(chan struct{}),
	}

	n.Mesh = mesh.New(mesh.Config{
		NodeID: ctx.NodeID, Role: ctx.Role, BindHost: ctx.BindHost,
		Port: ctx.P2PPort, AuthSecret: ctx.AuthSecret,
	}, n.onMessage, n.onConnect, n.onDisconnect)

	n.Peers = peer.New(ctx.NodeID, store, n.Mesh)

	n.Discovery = discovery.New(discovery.Config{
		NodeID: ctx.NodeID, Role: ctx.Role, Host: ctx.BindHost,
		P2PPort: ctx.P2PPort, HTTPPort: ctx.HTTPPort, DiscoveryPort: ctx.DiscoveryPort,
		Seeds: ctx.Seeds,
	}, n.Peers, n.Mesh)

	clock := gossip.NewClock(store)
	n.Gossip = gossip.New(ctx.NodeID, store, n.Mesh, clock)
	n.AntiEntropy = gossip.NewAntiEntropy(n.Gossip, n.Mesh.Peers)

	startAsLeader := ctx.Role == types.RoleEmperor
	n.Election = election.New(ctx.NodeID, startAsLeader, n.Mesh, clock, n.onLeaderChange)

	n.Consensus = consensus.New(ctx.NodeID, store, n.Mesh, clock, n.Mesh.Peers, n.Election, alwaysAccept, n.onConsensusCommit)

	n.Tasks = task.New(ctx.NodeID, store, n.Gossip, n.Mesh)
	n.Dispatcher = task.NewDispatcher(ctx.NodeID, store, n.Mesh, n.Election)

	if bridge == nil {
		bridge = agent.NewLoopbackBridge()
	}
	n.Agents = agent.New(ctx.NodeID, store, n.Gossip, n.Mesh, n.Tasks, bridge, n.Election)

	n.Upgrade = upgrade.New(ctx.NodeID, store, n.Mesh,
		upgrade.ExecGitUpdater{RepoPath: ctx.DataDir},
		upgrade.HTTPHealthProber{},
	)

	return n, nil
}

// alwaysAccept is the default consensus validator: VoidLux has no
// domain-specific veto rule beyond term freshness, which the engine
// itself enforces before calling the validator (§4.9 step 2).
func alwaysAccept(operation string, payload []byte) (bool, string) {
	return true, ""
}

// Start brings up every component in dependency order: storage is
// already open, so this is mesh -> peers -> discovery -> election ->
// consensus -> anti-entropy -> task dispatch -> agent registry, then
// the metrics refresh loop. The upgrade coordinator has no loop to
// start.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Mesh.Start(ctx); err != nil {
		return fmt.Errorf("node: start mesh: %w", err)
	}
	if err := n.Peers.Start(); err != nil {
		return fmt.Errorf("node: start peers: %w", err)
	}
	if err := n.Discovery.Start(ctx); err != nil {
		return fmt.Errorf("node: start discovery: %w", err)
	}
	n.Election.Start()
	n.Consensus.Start()
	n.AntiEntropy.Start()
	n.Dispatcher.Start()
	n.Agents.Start()

	n.wg.Add(1)
	go n.metricsLoop()

	n.logger.Info().Str("node_id", n.ctx.NodeID).Str("role", string(n.ctx.Role)).Int("p2p_port", n.ctx.P2PPort).Msg("node: started")
	return nil
}

// Stop ends the metrics loop, then stops agent registry -> task
// dispatch -> consensus -> election -> anti-entropy -> discovery ->
// peers -> mesh, and closes the store last.
func (n *Node) Stop() error {
	close(n.stopCh)
	n.wg.Wait()

	n.Agents.Stop()
	n.Dispatcher.Stop()
	n.Consensus.Stop()
	n.Election.Stop()
	n.AntiEntropy.Stop()
	n.Discovery.Stop()
	n.Peers.Stop()
	_ = n.Mesh.Stop()
	return n.Store.Close()
}

func (n *Node) onConnect(nodeID string, role types.Role) {
	n.Peers.MarkAuthenticated(nodeID, role)
}

func (n *Node) onDisconnect(nodeID string) {
	n.Peers.MarkDisconnected(nodeID)
}

func (n *Node) onLeaderChange(leaderID string, term uint64) {
	n.logger.Info().Str("leader_id", leaderID).Uint64("term", term).Msg("node: leader changed")
	if leaderID == n.ctx.NodeID {
		n.Dispatcher.Trigger()
	}
}

func (n *Node) onConsensusCommit(entry *types.ConsensusLogEntry) {
	n.logger.Debug().Uint64("index", entry.LogIndex).Str("operation", entry.Operation).Msg("node: consensus entry committed")
}

// onMessage is the mesh's single dispatch point (§4.1): every inbound
// envelope is decoded into its typed payload and routed to the
// component that owns the opcode.
func (n *Node) onMessage(fromNodeID string, env codec.Envelope) {
	switch env.Type {
	case codec.OpPEX:
		var msg codec.PEX
		if n.decode(env, &msg) {
			n.Discovery.HandlePEX(msg)
		}
	case codec.OpDHTLookup:
		var msg codec.DHTLookup
		if n.decode(env, &msg) {
			n.Discovery.HandleDHTLookup(fromNodeID, msg)
		}
	case codec.OpDHTLookupRsp:
		var msg codec.DHTLookupRsp
		if n.decode(env, &msg) {
			n.Discovery.HandleDHTLookupRsp(msg)
		}
	case codec.OpDHTAnnounce:
		var msg codec.DHTAnnounce
		if n.decode(env, &msg) {
			n.Discovery.HandleDHTAnnounce(msg)
		}

	case codec.OpTaskCreate:
		var msg codec.TaskCreate
		if n.decode(env, &msg) {
			n.Gossip.HandleTaskCreate(fromNodeID, msg)
		}
	case codec.OpTaskClaim:
		var msg codec.TaskClaim
		if n.decode(env, &msg) {
			n.Tasks.HandleClaim(fromNodeID, msg)
		}
	case codec.OpTaskUpdate:
		var msg codec.TaskUpdate
		if n.decode(env, &msg) {
			n.Gossip.HandleTaskUpdate(fromNodeID, msg)
		}
	case codec.OpTaskComplete:
		var msg codec.TaskComplete
		if n.decode(env, &msg) {
			n.Gossip.HandleTaskComplete(fromNodeID, msg)
		}
	case codec.OpTaskFail:
		var msg codec.TaskFail
		if n.decode(env, &msg) {
			n.Gossip.HandleTaskFail(fromNodeID, msg)
		}
	case codec.OpTaskCancel:
		var msg codec.TaskCancel
		if n.decode(env, &msg) {
			n.Gossip.HandleTaskCancel(fromNodeID, msg)
		}
	case codec.OpTaskAssign:
		var msg codec.TaskAssign
		if n.decode(env, &msg) {
			n.Agents.HandleAssign(msg)
		}
	case codec.OpTaskSyncReq:
		var msg codec.TaskSyncReq
		if n.decode(env, &msg) {
			n.Gossip.HandleTaskSyncReq(fromNodeID, msg)
		}
	case codec.OpTaskSyncRsp:
		var msg codec.TaskSyncRsp
		if n.decode(env, &msg) {
			n.Gossip.HandleTaskSyncRsp(fromNodeID, msg)
		}

	case codec.OpAgentRegister:
		var msg codec.AgentRegister
		if n.decode(env, &msg) {
			n.Gossip.HandleAgentRegister(fromNodeID, msg)
		}
	case codec.OpAgentHeartbeat:
		var msg codec.AgentHeartbeat
		if n.decode(env, &msg) {
			n.Gossip.HandleAgentHeartbeat(fromNodeID, msg)
		}
	case codec.OpAgentDeregister:
		var msg codec.AgentDeregister
		if n.decode(env, &msg) {
			n.Gossip.HandleAgentDeregister(fromNodeID, msg)
		}
	case codec.OpAgentSyncReq:
		var msg codec.AgentSyncReq
		if n.decode(env, &msg) {
			n.Gossip.HandleAgentSyncReq(fromNodeID, msg)
		}
	case codec.OpAgentSyncRsp:
		var msg codec.AgentSyncRsp
		if n.decode(env, &msg) {
			n.Gossip.HandleAgentSyncRsp(fromNodeID, msg)
		}

	case codec.OpEmperorHeartbeat:
		var msg codec.EmperorHeartbeat
		if n.decode(env, &msg) {
			n.Election.HandleEmperorHeartbeat(msg)
		}
	case codec.OpElectionStart:
		var msg codec.ElectionStart
		if n.decode(env, &msg) {
			n.Election.HandleElectionStart(msg)
		}
	case codec.OpElectionVictory:
		var msg codec.ElectionVictory
		if n.decode(env, &msg) {
			n.Election.HandleElectionVictory(msg)
		}
	case codec.OpCensusRequest:
		var msg codec.CensusRequest
		if n.decode(env, &msg) {
			n.Agents.HandleCensusRequest(msg)
		}

	case codec.OpConsensusPropose:
		var msg codec.ConsensusPropose
		if n.decode(env, &msg) {
			n.Consensus.HandlePropose(fromNodeID, msg)
		}
	case codec.OpConsensusVote:
		var msg codec.ConsensusVote
		if n.decode(env, &msg) {
			n.Consensus.HandleVote(fromNodeID, msg)
		}
	case codec.OpConsensusCommit:
		var msg codec.ConsensusCommit
		if n.decode(env, &msg) {
			n.Consensus.HandleCommit(fromNodeID, msg)
		}
	case codec.OpConsensusAbort:
		var msg codec.ConsensusAbort
		if n.decode(env, &msg) {
			n.Consensus.HandleAbort(fromNodeID, msg)
		}
	case codec.OpConsensusSyncReq:
		var msg codec.ConsensusSyncReq
		if n.decode(env, &msg) {
			n.Consensus.HandleSyncReq(fromNodeID, msg)
		}
	case codec.OpConsensusSyncRsp:
		var msg codec.ConsensusSyncRsp
		if n.decode(env, &msg) {
			n.Consensus.HandleSyncRsp(fromNodeID, msg)
		}

	case codec.OpUpgradeRequest:
		// Inbound upgrade requests are applied by the daemon's own
		// restart supervisor (outside this package, §4.13), not the
		// coordinator — the coordinator only drives the seneschal side.
	case codec.OpUpgradeStatus:
		var msg codec.UpgradeStatus
		if n.decode(env, &msg) {
			n.Upgrade.HandleStatus(msg)
		}

	default:
		n.logger.Debug().Str("opcode", env.Type.String()).Str("from", fromNodeID).Msg("node: unhandled opcode")
	}
}

func (n *Node) decode(env codec.Envelope, dst interface{}) bool {
	if err := codec.DecodePayload(env, dst); err != nil {
		n.logger.Warn().Err(err).Str("opcode", env.Type.String()).Msg("node: payload decode failed")
		return false
	}
	return true
}

// metricsLoop refreshes the point-in-time gauges (task/agent counts,
// peer count, leader/term) on a fixed tick, reading straight from the
// store rather than incrementing on each individual event.
func (n *Node) metricsLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(metricsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.refreshMetrics()
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) refreshMetrics() {
	if tasks, err := n.Store.ListTasks(); err == nil {
		counts := map[types.TaskStatus]int{}
		for _, t := range tasks {
			counts[t.Status]++
		}
		for status, count := range counts {
			metrics.TasksTotal.WithLabelValues(string(status)).Set(float64(count))
		}
	}

	if agents, err := n.Store.ListAgents(); err == nil {
		counts := map[types.AgentStatus]int{}
		for _, a := range agents {
			counts[a.Status]++
		}
		for status, count := range counts {
			metrics.AgentsTotal.WithLabelValues(string(status)).Set(float64(count))
		}
	}

	metrics.PeersConnected.Set(float64(len(n.Mesh.Peers())))
	if n.Election.IsLeader() {
		metrics.IsLeader.Set(1)
	} else {
		metrics.IsLeader.Set(0)
	}
	metrics.ElectionTerm.Set(float64(n.Election.Term()))

	if idx, err := n.Store.LastLogIndex(); err == nil {
		metrics.ConsensusLogIndex.Set(float64(idx))
	}
}

// ProposeMembershipChange proposes a cluster-size hint update through
// consensus, letting every node's partition detector use an
// authoritative size instead of the live-peer-count estimate (§4.9
// expansion note on membership_change payloads).
func (n *Node) ProposeMembershipChange(clusterSize int) (types.Proposal, error) {
	return n.Consensus.Propose("membership_change", []byte(strconv.FormatUint(uint64(clusterSize), 10)))
}
