// Package upgrade implements the VoidLux rolling-upgrade coordinator
// (§4.13), run on the seneschal: canary-first rollout with HTTP
// health-probe confirmation, sequential remaining-worker rollout,
// emperor regicide, and automatic rollback on any stage's failure.
package upgrade

import (
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mfrederico/voidlux-sub002/internal/codec"
	"github.com/mfrederico/voidlux-sub002/internal/log"
	"github.com/mfrederico/voidlux-sub002/internal/mesh"
	"github.com/mfrederico/voidlux-sub002/internal/storage"
	"github.com/mfrederico/voidlux-sub002/internal/types"
)

const (
	canaryTimeout        = 60 * time.Second
	workerTimeout        = 45 * time.Second
	emperorRestartTimeout = 60 * time.Second
	healthPollInterval   = 2 * time.Second
)

// GitUpdater drives the local working tree to a target commit. The
// real implementation shells out to the system git binary rather than
// wrapping it in a Go library. A stub exists so tests don't touch a
// real repo.
type GitUpdater interface {
	UpdateTo(commit string) error
}

// ExecGitUpdater runs `git fetch` then `git checkout <commit>` in repoPath.
type ExecGitUpdater struct {
	RepoPath string
}

// UpdateTo fetches and checks out commit in the configured repo path.
func (g ExecGitUpdater) UpdateTo(commit string) error {
	fetch := exec.Command("git", "-C", g.RepoPath, "fetch")
	if out, err := fetch.CombinedOutput(); err != nil {
		return fmt.Errorf("upgrade: git fetch: %w: %s", err, out)
	}
	checkout := exec.Command("git", "-C", g.RepoPath, "checkout", commit)
	if out, err := checkout.CombinedOutput(); err != nil {
		return fmt.Errorf("upgrade: git checkout %s: %w: %s", commit, err, out)
	}
	return nil
}

// HealthProber probes a node's HTTP control-plane /health endpoint.
// The real implementation is a thin net/http GET; stdlib is the right
// and only reasonable choice for a single unauthenticated liveness GET.
type HealthProber interface {
	Healthy(httpAddr string) bool
}

// HTTPHealthProber is the production HealthProber.
type HTTPHealthProber struct {
	Client *http.Client
}

// Healthy reports whether a GET to httpAddr + "/health" returns 200.
func (p HTTPHealthProber) Healthy(httpAddr string) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	resp, err := client.Get("http://" + httpAddr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Target is one node participating in a rollout.
type Target struct {
	NodeID   string
	HTTPAddr string
	IsCanary bool
	IsEmperor bool
}

// Coordinator drives one rolling-upgrade attempt.
type Coordinator struct {
	nodeID string
	store  storage.Store
	mesh   *mesh.Mesh
	git    GitUpdater
	prober HealthProber
	logger zerolog.Logger

	// CanaryTimeout, WorkerTimeout, EmperorRestartTimeout, and
	// PollInterval default to the §4.13 authoritative values but are
	// exposed for tests to shrink.
	CanaryTimeout         time.Duration
	WorkerTimeout         time.Duration
	EmperorRestartTimeout time.Duration
	PollInterval          time.Duration

	statusCh chan codec.UpgradeStatus
}

// New constructs a Coordinator with the default rollout timeouts.
func New(nodeID string, store storage.Store, m *mesh.Mesh, git GitUpdater, prober HealthProber) *Coordinator {
	return &Coordinator{
		nodeID:                nodeID,
		store:                 store,
		mesh:                  m,
		git:                   git,
		prober:                prober,
		logger:                log.WithComponent("upgrade"),
		CanaryTimeout:         canaryTimeout,
		WorkerTimeout:         workerTimeout,
		EmperorRestartTimeout: emperorRestartTimeout,
		PollInterval:          healthPollInterval,
		statusCh:              make(chan codec.UpgradeStatus, 64),
	}
}

// HandleStatus feeds an inbound UPGRADE_STATUS into the coordinator's
// wait loop for whichever rollout is currently in flight.
func (c *Coordinator) HandleStatus(msg codec.UpgradeStatus) {
	select {
	case c.statusCh <- msg:
	default:
	}
}

// Run drives the full rollout described in §4.13: from_commit ->
// to_commit, canary first, then the remaining workers sequentially,
// then emperor regicide, persisting the outcome.
func (c *Coordinator) Run(fromCommit, toCommit, initiatedBy string, workers []Target, emperor Target) (*types.UpgradeHistory, error) {
	hist := &types.UpgradeHistory{
		ID: uuid.NewString(), FromCommit: fromCommit, ToCommit: toCommit,
		Status: types.UpgradeInProgress, InitiatedBy: initiatedBy,
		NodesTotal: len(workers) + 1, StartedAt: time.Now(),
	}
	if err := c.store.CreateUpgradeHistory(hist); err != nil {
		return nil, fmt.Errorf("upgrade: record start: %w", err)
	}

	if err := c.git.UpdateTo(toCommit); err != nil {
		hist.Status = types.UpgradeFailed
		hist.FailureReason = fmt.Sprintf("git update failed: %v", err)
		hist.CompletedAt = time.Now()
		_ = c.store.UpdateUpgradeHistory(hist)
		return hist, err
	}

	if len(workers) == 0 {
		return c.finishWithoutCanary(hist, emperor)
	}

	canary := workers[0]
	rest := workers[1:]

	if !c.rolloutOne(canary, toCommit, c.CanaryTimeout) {
		c.rollbackAll([]Target{canary}, fromCommit)
		hist.Status = types.UpgradeRolledBack
		hist.FailureReason = "canary failed health check"
		hist.NodesRolledBack = 1
		hist.CompletedAt = time.Now()
		_ = c.store.UpdateUpgradeHistory(hist)
		return hist, nil
	}
	hist.NodesUpdated++

	updated := []Target{canary}
	for _, w := range rest {
		if !c.rolloutOne(w, toCommit, c.WorkerTimeout) {
			c.rollbackAll(updated, fromCommit)
			hist.Status = types.UpgradeRolledBack
			hist.FailureReason = fmt.Sprintf("worker %s failed health check", w.NodeID)
			hist.NodesRolledBack = len(updated)
			hist.CompletedAt = time.Now()
			_ = c.store.UpdateUpgradeHistory(hist)
			return hist, nil
		}
		hist.NodesUpdated++
		updated = append(updated, w)
	}

	return c.regicideAndVerify(hist, emperor, updated, fromCommit, len(workers))
}

func (c *Coordinator) finishWithoutCanary(hist *types.UpgradeHistory, emperor Target) (*types.UpgradeHistory, error) {
	return c.regicideAndVerify(hist, emperor, nil, hist.FromCommit, 0)
}

func (c *Coordinator) regicideAndVerify(hist *types.UpgradeHistory, emperor Target, updatedWorkers []Target, fromCommit string, expectedWorkers int) (*types.UpgradeHistory, error) {
	_ = c.mesh.SendTo(emperor.NodeID, codec.OpUpgradeRequest, codec.UpgradeRequest{TargetNode: emperor.NodeID, TargetCommit: hist.ToCommit})

	if !c.waitHealthy(emperor.HTTPAddr, c.EmperorRestartTimeout) {
		c.rollbackAll(updatedWorkers, fromCommit)
		hist.Status = types.UpgradeRolledBack
		hist.FailureReason = "emperor failed to come back healthy"
		hist.NodesRolledBack = len(updatedWorkers)
		hist.CompletedAt = time.Now()
		_ = c.store.UpdateUpgradeHistory(hist)
		return hist, nil
	}
	hist.NodesUpdated++

	if expectedWorkers > 0 {
		rejoined := len(c.mesh.Peers())
		if rejoined*2 < expectedWorkers {
			c.rollbackAll(updatedWorkers, fromCommit)
			hist.Status = types.UpgradeRolledBack
			hist.FailureReason = "fewer than half of expected workers rejoined"
			hist.NodesRolledBack = len(updatedWorkers)
			hist.CompletedAt = time.Now()
			_ = c.store.UpdateUpgradeHistory(hist)
			return hist, nil
		}
	}

	hist.Status = types.UpgradeSuccess
	hist.CompletedAt = time.Now()
	_ = c.store.UpdateUpgradeHistory(hist)
	return hist, nil
}

func (c *Coordinator) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return healthPollInterval
	}
	return c.PollInterval
}

// rolloutOne sends UPGRADE_REQUEST to one target and waits for either
// an UPGRADE_STATUS report or the HTTP health fallback.
func (c *Coordinator) rolloutOne(target Target, toCommit string, timeout time.Duration) bool {
	if err := c.mesh.SendTo(target.NodeID, codec.OpUpgradeRequest, codec.UpgradeRequest{
		TargetNode: target.NodeID, TargetCommit: toCommit,
	}); err != nil {
		c.logger.Warn().Err(err).Str("node_id", target.NodeID).Msg("upgrade: send request failed")
	}
	return c.waitOutcome(target, timeout)
}

func (c *Coordinator) waitOutcome(target Target, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case status := <-c.statusCh:
			if status.NodeID != target.NodeID {
				continue
			}
			switch status.Status {
			case "healthy":
				return true
			case "failed":
				return false
			}
		case <-time.After(c.pollInterval()):
			if c.prober != nil && target.HTTPAddr != "" && c.prober.Healthy(target.HTTPAddr) {
				return true
			}
		}
	}
	return false
}

func (c *Coordinator) waitHealthy(httpAddr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.prober != nil && c.prober.Healthy(httpAddr) {
			return true
		}
		time.Sleep(c.pollInterval())
	}
	return false
}

// rollbackAll sends a rollback UPGRADE_REQUEST to every previously
// updated target.
func (c *Coordinator) rollbackAll(updated []Target, fromCommit string) {
	for _, t := range updated {
		if err := c.mesh.SendTo(t.NodeID, codec.OpUpgradeRequest, codec.UpgradeRequest{
			TargetNode: t.NodeID, TargetCommit: fromCommit, Rollback: true,
		}); err != nil {
			c.logger.Warn().Err(err).Str("node_id", t.NodeID).Msg("upgrade: rollback send failed")
		}
	}
}
