package codec

// This file defines the typed payload for every opcode in the closed
// namespace (§6). Each is a plain struct encoded with msgpack inside
// the envelope's Payload field — never an untyped map (§9).

// Hello is exchanged by both sides immediately on connect (§4.3 step 1).
type Hello struct {
	NodeID   string
	P2PPort  int
	HTTPPort int
	Role     string
}

// AuthChallenge carries a 256-bit random nonce, hex-encoded.
type AuthChallenge struct {
	NonceHex string
}

// AuthResponse carries the initiator's proof of secret knowledge.
type AuthResponse struct {
	HMAC   string
	NodeID string
	Role   string
}

// AuthReject is sent (and the connection closed) on handshake failure.
type AuthReject struct {
	Reason string
}

// Ping/Pong carry no payload beyond presence; empty structs keep the
// envelope typed rather than nil.
type Ping struct{}
type Pong struct{}

// PEX is the peer-exchange gossip list (§4.5).
type PEX struct {
	Peers []PEXEntry
}

// PEXEntry is one candidate peer address carried in a PEX message.
type PEXEntry struct {
	NodeID  string
	Host    string
	P2PPort int
}

// DHTLookup requests the K closest known nodes to Target (§4.5).
type DHTLookup struct {
	RequestID string
	Target    string // hex node-id distance target
}

// DHTLookupRsp answers a DHTLookup with the responder's closest nodes.
type DHTLookupRsp struct {
	RequestID string
	Nodes     []DHTNode
}

// DHTNode is one entry in a DHT routing-table response.
type DHTNode struct {
	NodeID  string
	Host    string
	P2PPort int
}

// DHTAnnounce is a Kademlia self-announce to the K closest peers.
type DHTAnnounce struct {
	NodeID  string
	Host    string
	P2PPort int
}

// TaskCreate gossips a newly enqueued task.
type TaskCreate struct {
	Task TaskWire
}

// TaskWire is the wire representation of types.Task (flat fields;
// timestamps travel as Unix seconds in the *AtUnix fields, converted
// by the caller before/after wire transfer, with 0 for a zero time).
type TaskWire struct {
	ID                   string
	ParentID             string
	Title                string
	Description          string
	WorkInstructions     string
	AcceptanceCriteria   string
	Status               string
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
	ClaimedAtUnix        int64
	CompletedAtUnix      int64
	CreatedAtUnix        int64
	UpdatedAtUnix        int64
}

// TaskClaim announces a successful local claim of a task (§4.10).
type TaskClaim struct {
	TaskID       string
	AgentID      string
	NodeID       string
	LamportTS    uint64
}

// TaskUpdate carries an arbitrary field mutation gossip (progress,
// requeue-to-pending, status change that is not claim/complete/fail).
type TaskUpdate struct {
	Task TaskWire
}

// TaskComplete announces terminal success.
type TaskComplete struct {
	TaskID    string
	Result    string
	LamportTS uint64
}

// TaskFail announces terminal failure.
type TaskFail struct {
	TaskID    string
	Reason    string
	LamportTS uint64
}

// TaskCancel announces a user-initiated cancellation.
type TaskCancel struct {
	TaskID    string
	LamportTS uint64
}

// TaskAssign is the leader's directed dispatch to an agent's host node
// (§4.11). Unlike the gossip messages above, this is addressed, not
// broadcast.
type TaskAssign struct {
	TaskID  string
	AgentID string
	NodeID  string
	Term    uint64
}

// TaskSyncReq/Rsp drive pull-based anti-entropy (§4.7).
type TaskSyncReq struct {
	SinceLamport uint64
}

type TaskSyncRsp struct {
	Tasks []TaskWire
}

// AgentRegister/Heartbeat/Deregister mirror the agent lifecycle (§4.12).
type AgentRegister struct {
	Agent AgentWire
}

// AgentWire is the wire representation of types.Agent.
type AgentWire struct {
	ID                string
	NodeID            string
	Name              string
	Tool              string
	Model             string
	Capabilities      []string
	ProjectPath       string
	MaxConcurrentTask int
	Status            string
	CurrentTaskID     string
	LastHeartbeatUnix int64
	LamportTS         uint64
	RegisteredAtUnix  int64
}

type AgentHeartbeat struct {
	AgentID       string
	Status        string
	CurrentTaskID string
	LamportTS     uint64
}

type AgentDeregister struct {
	AgentID   string
	LamportTS uint64
}

type AgentSyncReq struct {
	SinceLamport uint64
}

type AgentSyncRsp struct {
	Agents []AgentWire
}

// EmperorHeartbeat is the leader's liveness broadcast (§4.8).
type EmperorHeartbeat struct {
	NodeID    string
	Term      uint64
	LamportTS uint64
	LogIndex  uint64
}

// ElectionStart announces a new candidacy.
type ElectionStart struct {
	NodeID    string
	Term      uint64
	LogIndex  uint64
	LamportTS uint64
}

// ElectionVictory announces the winner of a term's election.
type ElectionVictory struct {
	NodeID    string
	Term      uint64
	LamportTS uint64
}

// CensusRequest asks all agent owners to re-announce (§4.12).
type CensusRequest struct {
	RequestID string
}

// ConsensusPropose broadcasts a new proposal (§4.9 step 1).
type ConsensusPropose struct {
	Proposal ProposalWire
}

// ProposalWire is the wire representation of types.Proposal.
type ProposalWire struct {
	ID             string
	Term           uint64
	LogIndex       uint64
	ProposerNodeID string
	Operation      string
	Payload        []byte
	LamportTS      uint64
	QuorumRequired int
	CreatedAtUnix  int64
}

// ConsensusVote carries one node's vote on a proposal.
type ConsensusVote struct {
	ProposalID string
	Term       uint64
	Vote       bool
	Reason     string
	VoterID    string
	LamportTS  uint64
}

// ConsensusCommit broadcasts a committed proposal (§4.9 step 3).
type ConsensusCommit struct {
	Proposal ProposalWire
}

// ConsensusAbort broadcasts an aborted proposal.
type ConsensusAbort struct {
	ProposalID string
	Term       uint64
	Reason     string
}

// ConsensusSyncReq/Rsp drive consensus-log anti-entropy.
type ConsensusSyncReq struct {
	AfterLogIndex uint64
}

type ConsensusSyncRsp struct {
	Entries []ProposalWire
}

// UpgradeRequest instructs a target node to upgrade or roll back
// (§4.13).
type UpgradeRequest struct {
	TargetNode   string
	TargetCommit string
	Rollback     bool
}

// UpgradeStatus is the target node's reply during a rollout.
type UpgradeStatus struct {
	NodeID string
	Status string // "healthy" | "failed" | "restarting"
}
