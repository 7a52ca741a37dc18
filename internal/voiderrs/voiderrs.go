// Package voiderrs defines the sentinel errors for VoidLux's "conflict"
// error kind (§7): situations that are not failures of the process but
// typed results the caller is expected to branch on and retry.
package voiderrs

import "errors"

var (
	// ErrClaimLost is returned when a task claim attempt affected zero
	// rows because another node (or agent) already claimed it first.
	ErrClaimLost = errors.New("voidlux: task claim lost, already claimed")

	// ErrAlreadyTerminal is returned when a mutation is attempted
	// against a task whose status is terminal (completed/failed/cancelled).
	ErrAlreadyTerminal = errors.New("voidlux: task is in a terminal state")

	// ErrStaleTerm is returned when a consensus or election message
	// carries a term lower than the local currentTerm.
	ErrStaleTerm = errors.New("voidlux: stale term")

	// ErrQuorumLost is returned by read_consistent when the local
	// leader lease can no longer confirm quorum.
	ErrQuorumLost = errors.New("voidlux: quorum lost")

	// ErrProtocolViolation is returned when a peer sends a malformed
	// or out-of-order message; the caller should close the connection.
	ErrProtocolViolation = errors.New("voidlux: protocol violation")

	// ErrNotLeader is returned when an operation that requires
	// leadership (dispatch, consistent read) runs on a follower.
	ErrNotLeader = errors.New("voidlux: not the leader")

	// ErrProposalExpired is returned when a consensus proposal is
	// applied or voted on after its 60s creation deadline.
	ErrProposalExpired = errors.New("voidlux: proposal expired")
)
