package models

import "fmt"

type TokenStatus string

const (
	TokenIssued   TokenStatus = "issued"
	TokenVerified TokenStatus = "verified"
	TokenConsumed TokenStatus = "consumed"
	TokenExpired  TokenStatus = "expired"
)

// VotingToken is a single-use credential scoped to one (voter, election) pair.
type VotingToken struct {
	Value      string      `json:"token"`
	VoterID    string      `json:"voter_id"`
	ElectionID int64       `json:"election_id"`
	Status     TokenStatus `json:"status"`
}

func (s TokenStatus) rank() int {
	switch s {
	case TokenIssued:
		return 1
	case TokenVerified:
		return 2
	case TokenConsumed, TokenExpired:
		return 3
	default:
		return 0
	}
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
// Consumed and expired are both terminal.
func (s TokenStatus) CanTransition(next TokenStatus) bool {
	if s == TokenConsumed || s == TokenExpired {
		return false
	}
	return next.rank() > s.rank()
}

// Advance moves the token to next, refusing backward or terminal transitions.
func (t *VotingToken) Advance(next TokenStatus) error {
	if !t.Status.CanTransition(next) {
		return fmt.Errorf("invalid token transition %s -> %s", t.Status, next)
	}
	t.Status = next
	return nil
}
