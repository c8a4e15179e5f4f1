package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type AttemptState string

const (
	StateIdle             AttemptState = "idle"
	StateRequestingToken  AttemptState = "requesting-token"
	StateTokenReceived    AttemptState = "token-received"
	StateConnectingWallet AttemptState = "connecting-wallet"
	StateSubmittingVote   AttemptState = "submitting-vote"
	StateRecordingVote    AttemptState = "recording-vote"
)

// FeeSchedule is the gas budget for one broadcast attempt.
type FeeSchedule struct {
	GasLimit  uint64   `json:"gas_limit"`
	GasTipCap *big.Int `json:"gas_tip_cap"`
	GasFeeCap *big.Int `json:"gas_fee_cap"`
}

// Dominates reports whether every field of f is strictly greater than prev.
func (f FeeSchedule) Dominates(prev FeeSchedule) bool {
	return f.GasLimit > prev.GasLimit &&
		f.GasTipCap.Cmp(prev.GasTipCap) > 0 &&
		f.GasFeeCap.Cmp(prev.GasFeeCap) > 0
}

// Provision is the nonce and fee schedule obtained before one broadcast attempt.
type Provision struct {
	Attempt int         `json:"attempt"`
	Nonce   *big.Int    `json:"nonce"`
	Fees    FeeSchedule `json:"fees"`
}

type VoteRequest struct {
	VoterID    string `json:"voter_id"`
	ElectionID int64  `json:"election_id"`
	ChoiceID   int64  `json:"choice_id"` // candidate id or ticket id
}

// VoteAttempt is the transient, in-memory state of one submission.
type VoteAttempt struct {
	ID              string
	State           AttemptState
	Request         VoteRequest
	Voter           common.Address
	Token           string
	Kind            ElectionKind
	ChainElectionID *big.Int
	ChainChoiceID   *big.Int
	Provision       *Provision
	AttemptCount    int
	TxHash          *common.Hash
	BeforeVoteCount *big.Int
	StartedAt       time.Time
}

// VoteResult is what the engine reports back to the UI layer.
type VoteResult struct {
	Success   bool     `json:"success"`
	AttemptID string   `json:"attempt_id"`
	TxHash    string   `json:"tx_hash,omitempty"`
	VoteCount *big.Int `json:"vote_count,omitempty"`
	Delta     *big.Int `json:"delta,omitempty"`
	Attempts  int      `json:"attempts"`
}
