package gossip

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
)

// PullInterval is how often a node asks one random peer to catch it
// up on anything it might have missed (§4.7).
const PullInterval = 120 * time.Second

// MaxSyncEntries bounds a single TASK_SYNC_RSP batch.
const MaxSyncEntries = 500

// AntiEntropy drives the periodic pull-sync loop and answers inbound
// sync requests from peers.
type AntiEntropy struct {
	engine *Engine
	peers  func() []string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAntiEntropy constructs the pull-sync loop. peersFn should return
// the currently connected node IDs (typically mesh.Peers).
func NewAntiEntropy(engine *Engine, peersFn func() []string) *AntiEntropy {
	return &AntiEntropy{engine: engine, peers: peersFn, stopCh: make(chan struct{})}
}

// Start launches the periodic pull loop.
func (a *AntiEntropy) Start() {
	a.wg.Add(1)
	go a.run()
}

// Stop ends the pull loop.
func (a *AntiEntropy) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *AntiEntropy) run() {
	defer a.wg.Done()
	ticker := time.NewTicker(PullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.pullOnce()
		case <-a.stopCh:
			return
		}
	}
}

func (a *AntiEntropy) pullOnce() {
	peers := a.peers()
	if len(peers) == 0 {
		return
	}
	target := peers[rand.Intn(len(peers))]

	since, _, _ := a.engine.store.GetState("last_task_sync_lamport")
	var sinceLamport uint64
	if v, err := strconv.ParseUint(since, 10, 64); err == nil {
		sinceLamport = v
	}

	_ = a.engine.mesh.SendTo(target, codec.OpTaskSyncReq, codec.TaskSyncReq{SinceLamport: sinceLamport})
	_ = a.engine.mesh.SendTo(target, codec.OpAgentSyncReq, codec.AgentSyncReq{SinceLamport: sinceLamport})
	_ = a.engine.mesh.SendTo(target, codec.OpConsensusSyncReq, codec.ConsensusSyncReq{AfterLogIndex: 0})
}

// HandleTaskSyncReq answers a peer's catch-up request with every task
// gossiped more recently than SinceLamport, capped at MaxSyncEntries.
func (e *Engine) HandleTaskSyncReq(fromNodeID string, msg codec.TaskSyncReq) {
	tasks, err := e.store.ListTasksSince(msg.SinceLamport, MaxSyncEntries)
	if err != nil {
		e.logger.Warn().Err(err).Msg("task sync req: list failed")
		return
	}
	wires := make([]codec.TaskWire, 0, len(tasks))
	for _, t := range tasks {
		wires = append(wires, toWire(t))
	}
	_ = e.mesh.SendTo(fromNodeID, codec.OpTaskSyncRsp, codec.TaskSyncRsp{Tasks: wires})
}

// HandleTaskSyncRsp applies every task in a sync response using the
// same conflict-resolution rule as push gossip.
func (e *Engine) HandleTaskSyncRsp(fromNodeID string, msg codec.TaskSyncRsp) {
	for _, w := range msg.Tasks {
		existing, err := e.store.GetTask(w.ID)
		if err != nil {
			e.logger.Warn().Err(err).Str("task_id", w.ID).Msg("task sync rsp: lookup failed")
			continue
		}
		if existing == nil {
			e.clock.Witness(w.LamportTS)
			if err := e.store.CreateTask(fromWire(w)); err != nil {
				e.logger.Warn().Err(err).Str("task_id", w.ID).Msg("task sync rsp: insert failed")
			}
			continue
		}
		e.HandleTaskUpdate(fromNodeID, codec.TaskUpdate{Task: w})
	}
}

// HandleAgentSyncReq answers a peer's catch-up request with every
// agent record gossiped more recently than SinceLamport.
func (e *Engine) HandleAgentSyncReq(fromNodeID string, msg codec.AgentSyncReq) {
	agents, err := e.store.ListAgentsSince(msg.SinceLamport)
	if err != nil {
		e.logger.Warn().Err(err).Msg("agent sync req: list failed")
		return
	}
	wires := make([]codec.AgentWire, 0, len(agents))
	for _, a := range agents {
		wires = append(wires, agentToWire(a))
	}
	_ = e.mesh.SendTo(fromNodeID, codec.OpAgentSyncRsp, codec.AgentSyncRsp{Agents: wires})
}

// HandleAgentSyncRsp applies every agent in a sync response.
func (e *Engine) HandleAgentSyncRsp(fromNodeID string, msg codec.AgentSyncRsp) {
	for _, w := range msg.Agents {
		a := agentFromWire(w)
		existing, err := e.store.GetAgent(a.ID)
		if err != nil {
			continue
		}
		if existing == nil {
			_ = e.store.CreateAgent(a)
			continue
		}
		if a.LamportTS > existing.LamportTS {
			_ = e.store.UpdateAgent(a)
		}
	}
}
