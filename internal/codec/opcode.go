package codec

// Opcode is the 16-bit message type carried by every envelope (§4.1).
// The namespace is closed: this is the complete enumeration from §6.
type Opcode uint16

const (
	OpHello Opcode = iota + 1
	OpPing
	OpPong

	OpAuthChallenge
	OpAuthResponse
	OpAuthReject

	OpPEX
	OpDHTLookup
	OpDHTLookupRsp
	OpDHTAnnounce

	OpTaskCreate
	OpTaskClaim
	OpTaskUpdate
	OpTaskComplete
	OpTaskFail
	OpTaskCancel
	OpTaskAssign
	OpTaskSyncReq
	OpTaskSyncRsp

	OpAgentRegister
	OpAgentHeartbeat
	OpAgentDeregister
	OpAgentSyncReq
	OpAgentSyncRsp

	OpEmperorHeartbeat
	OpElectionStart
	OpElectionVictory
	OpCensusRequest

	OpConsensusPropose
	OpConsensusVote
	OpConsensusCommit
	OpConsensusAbort
	OpConsensusSyncReq
	OpConsensusSyncRsp

	OpUpgradeRequest
	OpUpgradeStatus
)

var opcodeNames = map[Opcode]string{
	OpHello:             "HELLO",
	OpPing:              "PING",
	OpPong:              "PONG",
	OpAuthChallenge:     "AUTH_CHALLENGE",
	OpAuthResponse:      "AUTH_RESPONSE",
	OpAuthReject:        "AUTH_REJECT",
	OpPEX:               "PEX",
	OpDHTLookup:         "DHT_DISC_LOOKUP",
	OpDHTLookupRsp:      "DHT_DISC_LOOKUP_RSP",
	OpDHTAnnounce:       "DHT_DISC_ANNOUNCE",
	OpTaskCreate:        "TASK_CREATE",
	OpTaskClaim:         "TASK_CLAIM",
	OpTaskUpdate:        "TASK_UPDATE",
	OpTaskComplete:      "TASK_COMPLETE",
	OpTaskFail:          "TASK_FAIL",
	OpTaskCancel:        "TASK_CANCEL",
	OpTaskAssign:        "TASK_ASSIGN",
	OpTaskSyncReq:       "TASK_SYNC_REQ",
	OpTaskSyncRsp:       "TASK_SYNC_RSP",
	OpAgentRegister:     "AGENT_REGISTER",
	OpAgentHeartbeat:    "AGENT_HEARTBEAT",
	OpAgentDeregister:   "AGENT_DEREGISTER",
	OpAgentSyncReq:      "AGENT_SYNC_REQ",
	OpAgentSyncRsp:      "AGENT_SYNC_RSP",
	OpEmperorHeartbeat:  "EMPEROR_HEARTBEAT",
	OpElectionStart:     "ELECTION_START",
	OpElectionVictory:   "ELECTION_VICTORY",
	OpCensusRequest:     "CENSUS_REQUEST",
	OpConsensusPropose:  "CONSENSUS_PROPOSE",
	OpConsensusVote:     "CONSENSUS_VOTE",
	OpConsensusCommit:   "CONSENSUS_COMMIT",
	OpConsensusAbort:    "CONSENSUS_ABORT",
	OpConsensusSyncReq:  "CONSENSUS_SYNC_REQ",
	OpConsensusSyncRsp:  "CONSENSUS_SYNC_RSP",
	OpUpgradeRequest:    "UPGRADE_REQUEST",
	OpUpgradeStatus:     "UPGRADE_STATUS",
}

// String returns the opcode's mnemonic name, or "UNKNOWN" if it
// falls outside the closed namespace.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "UNKNOWN"
}

// Known reports whether o is a member of the closed opcode namespace.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// preAuthOpcodes are delivered to upper layers even on an
// unauthenticated connection (§4.3).
var preAuthOpcodes = map[Opcode]bool{
	OpHello:         true,
	OpAuthChallenge: true,
	OpAuthResponse:  true,
	OpAuthReject:    true,
	OpPing:          true,
	OpPong:          true,
}

// AllowedPreAuth reports whether o may cross the connection before
// authentication completes.
func AllowedPreAuth(o Opcode) bool {
	return preAuthOpcodes[o]
}
