// Package metrics exposes VoidLux's internal prometheus counters and
// gauges, scraped by the HTTP control plane. The gauges are refreshed
// periodically by the node from a store snapshot; the counters are
// registered, but no component increments them.
package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voidlux_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voidlux_agents_total",
			Help: "Total number of agents by status",
		},
		[]string{"status"},
	)

	PeersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voidlux_peers_connected",
			Help: "Number of currently connected, authenticated peers",
		},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voidlux_is_leader",
			Help: "Whether this node currently believes itself the emperor (1) or not (0)",
		},
	)

	ElectionTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voidlux_election_term",
			Help: "Current election term",
		},
	)

	ConsensusLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voidlux_consensus_log_index",
			Help: "Highest committed consensus log index",
		},
	)

	GossipMessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voidlux_gossip_messages_sent_total",
			Help: "Total gossip messages sent by opcode",
		},
		[]string{"opcode"},
	)

	GossipMessagesDeduped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voidlux_gossip_messages_deduped_total",
			Help: "Total inbound gossip messages dropped as duplicates",
		},
	)

	TaskClaimConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voidlux_task_claim_conflicts_total",
			Help: "Total concurrent-claim conflicts resolved by the claim resolver",
		},
	)

	DispatchCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voidlux_dispatch_cycles_total",
			Help: "Total dispatcher cycles run on the leader",
		},
	)

	UpgradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voidlux_upgrades_total",
			Help: "Total rolling upgrades by outcome",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(PeersConnected)
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(ElectionTerm)
	prometheus.MustRegister(ConsensusLogIndex)
	prometheus.MustRegister(GossipMessagesSent)
	prometheus.MustRegister(GossipMessagesDeduped)
	prometheus.MustRegister(TaskClaimConflicts)
	prometheus.MustRegister(DispatchCycles)
	prometheus.MustRegister(UpgradesTotal)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

var startTime = time.Time{}

// MarkStarted records the process start time used by HealthHandler's
// uptime field. Called once from the daemon's startup sequence.
func MarkStarted() {
	startTime = time.Now()
}

type healthBody struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// HealthHandler answers the upgrade coordinator's HTTP health probe
// (§4.13) with a 200 and a small JSON body. It always answers 200; the
// uptime field is empty until MarkStarted has been called.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := ""
		if !startTime.IsZero() {
			uptime = time.Since(startTime).String()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(healthBody{Status: "healthy", Uptime: uptime})
	}
}
