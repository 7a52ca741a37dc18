// Package types defines the VoidLux data model: tasks, agents, peers,
// consensus proposals and log entries, and upgrade history. These are
// plain value types shared by storage, gossip, and the consensus and
// task packages.
package types

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending       TaskStatus = "pending"
	TaskBlocked       TaskStatus = "blocked"
	TaskPlanning      TaskStatus = "planning"
	TaskClaimed       TaskStatus = "claimed"
	TaskInProgress    TaskStatus = "in_progress"
	TaskPendingReview TaskStatus = "pending_review"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskWaitingInput  TaskStatus = "waiting_input"
	TaskMerging       TaskStatus = "merging"
	TaskCancelled     TaskStatus = "cancelled"
)

// IsTerminal reports whether status is absorbing: once reached, no
// field except an archival flag may change (§3 invariant a).
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Task is the unit of dispatchable work.
type Task struct {
	ID                   string
	ParentID             string
	Title                string
	Description          string
	WorkInstructions     string
	AcceptanceCriteria   string
	Status               TaskStatus
	Priority             int32
	RequiredCapabilities []string
	CreatedBy            string
	AssignedTo           string
	AssignedNode         string
	Result               string
	Error                string
	Progress             string
	ProjectPath          string
	Context              string
	LamportTS            uint64
	GitBranch            string
	ClaimedAt            time.Time
	CompletedAt          time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HasAssignee mirrors §3 invariant (c): assigned_to is null iff status
// is one of pending/blocked/planning/cancelled.
func (t *Task) HasAssignee() bool {
	switch t.Status {
	case TaskPending, TaskBlocked, TaskPlanning, TaskCancelled:
		return false
	default:
		return true
	}
}

// AgentStatus is the lifecycle state of a hosted agent session.
type AgentStatus string

const (
	AgentStarting AgentStatus = "starting"
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentOffline  AgentStatus = "offline"
)

// Agent is a coding-tool session hosted on exactly one node.
type Agent struct {
	ID                string
	NodeID            string
	Name              string
	Tool              string
	Model             string
	Capabilities      []string
	ProjectPath       string
	MaxConcurrentTask int
	Status            AgentStatus
	CurrentTaskID     string
	LastHeartbeat     time.Time
	LamportTS         uint64
	RegisteredAt      time.Time
}

// HasCapabilities reports whether the agent's capability set is a
// superset of required.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// Role is the soft role a node currently performs.
type Role string

const (
	RoleSeneschal Role = "seneschal"
	RoleEmperor   Role = "emperor"
	RoleWorker    Role = "worker"
)

// Peer is a currently-known other node.
type Peer struct {
	NodeID        string
	Host          string
	P2PPort       int
	HTTPPort      int
	Role          Role
	Authenticated bool
	LastSeen      time.Time
	LatencyMS     float64
}

// ProposalState is the lifecycle state of a consensus proposal.
type ProposalState string

const (
	ProposalPending   ProposalState = "pending"
	ProposalVoting    ProposalState = "voting"
	ProposalCommitted ProposalState = "committed"
	ProposalAborted   ProposalState = "aborted"
	ProposalExpired   ProposalState = "expired"
)

// Proposal is a distributed decision under quorum vote.
type Proposal struct {
	ID              string
	Term            uint64
	LogIndex        uint64
	ProposerNodeID  string
	Operation       string
	Payload         []byte
	LamportTS       uint64
	State           ProposalState
	VotesFor        int
	VotesAgainst    int
	QuorumRequired  int
	CreatedAt       time.Time
	CommittedAt     time.Time
}

// ConsensusLogEntry is an append-only committed proposal record.
type ConsensusLogEntry struct {
	ID             string
	Term           uint64
	LogIndex       uint64
	ProposerNodeID string
	Operation      string
	Payload        []byte
	LamportTS      uint64
	CommittedAt    time.Time
	CreatedAt      time.Time
}

// UpgradeStatus is the lifecycle state of a rolling upgrade.
type UpgradeStatus string

const (
	UpgradePending     UpgradeStatus = "pending"
	UpgradeInProgress  UpgradeStatus = "in_progress"
	UpgradeSuccess     UpgradeStatus = "success"
	UpgradeRolledBack  UpgradeStatus = "rolled_back"
	UpgradeFailed      UpgradeStatus = "failed"
)

// UpgradeHistory records the outcome of one rolling-upgrade attempt.
type UpgradeHistory struct {
	ID               string
	FromCommit       string
	ToCommit         string
	Status           UpgradeStatus
	InitiatedBy      string
	FailureReason    string
	NodesTotal       int
	NodesUpdated     int
	NodesRolledBack  int
	StartedAt        time.Time
	CompletedAt      time.Time
}
