package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"votebridge/models"

	"github.com/ethereum/go-ethereum/common"
)

// ResetService clears the ledger-of-record's has-voted flag.
type ResetService interface {
	ResetVote(ctx context.Context, voterID string, electionID int64) error
}

// VoteChecker asks the chain whether a voter's vote already landed.
type VoteChecker interface {
	HasVoted(ctx context.Context, electionID *big.Int, voter common.Address) (bool, error)
}

// PendingResets persists resets that still have to be delivered.
type PendingResets interface {
	Put(reset *models.PendingReset) error
	Delete(key string) error
	List() []models.PendingReset
}

// CompensationRequest identifies the has-voted flag to roll back.
type CompensationRequest struct {
	AttemptID       string
	VoterID         string
	ElectionID      int64
	ChainElectionID *big.Int
	Voter           common.Address
	Cause           models.ErrorKind
}

// Compensator rolls back the has-voted flag when the chain leg of a vote failed.
// A reset that cannot be delivered is persisted for the CompensationQueue.
type Compensator struct {
	observers
	tokens  ResetService
	chain   VoteChecker
	pending PendingResets
}

func NewCompensator(tokens ResetService, chain VoteChecker, pending PendingResets, opts ...Option) *Compensator {
	return &Compensator{
		observers: newObservers(opts),
		tokens:    tokens,
		chain:     chain,
		pending:   pending,
	}
}

// Compensate issues the reset once. It skips the reset when the chain already
// holds the voter's vote, since clearing the flag would then be wrong.
func (c *Compensator) Compensate(ctx context.Context, req CompensationRequest) error {
	entry := &models.JournalEntry{
		AttemptID:  req.AttemptID,
		VoterID:    req.VoterID,
		ElectionID: req.ElectionID,
		ErrorKind:  req.Cause,
	}

	if c.chainHasVote(ctx, req.ChainElectionID, req.Voter) {
		c.logger.Warn("chain already holds the vote, keeping has-voted flag",
			"attempt_id", req.AttemptID,
			"voter_id", req.VoterID,
			"election_id", req.ElectionID)
		entry.Outcome = models.OutcomeResetSkip
		c.finish(ctx, entry)
		return nil
	}

	err := c.tokens.ResetVote(ctx, req.VoterID, req.ElectionID)
	if err == nil {
		c.logger.Info("has-voted flag reset",
			"attempt_id", req.AttemptID,
			"voter_id", req.VoterID,
			"election_id", req.ElectionID,
			"cause", req.Cause)
		entry.Outcome = models.OutcomeCompensated
		c.finish(ctx, entry)
		return nil
	}

	c.logger.Error("compensating reset failed, queueing",
		"attempt_id", req.AttemptID,
		"voter_id", req.VoterID,
		"election_id", req.ElectionID,
		"error", err)

	reset := &models.PendingReset{
		VoterID:    req.VoterID,
		ElectionID: req.ElectionID,
		Attempts:   1,
		LastError:  err.Error(),
		EnqueuedAt: time.Now().UTC(),
	}
	if req.ChainElectionID != nil {
		reset.ChainElectionID = req.ChainElectionID.String()
	}
	if req.Voter != (common.Address{}) {
		reset.VoterAddress = req.Voter.Hex()
	}

	entry.Outcome = models.OutcomeResetQueued
	c.finish(ctx, entry)

	if putErr := c.pending.Put(reset); putErr != nil {
		c.logger.Error("failed to persist pending reset", "key", reset.Key(), "error", putErr)
		return errors.Join(fmt.Errorf("compensating reset failed: %w", err), putErr)
	}
	return fmt.Errorf("compensating reset queued: %w", err)
}

// Redeliver retries a persisted reset, removing it once delivered and recording
// the failure on it otherwise.
func (c *Compensator) Redeliver(ctx context.Context, reset models.PendingReset) error {
	entry := &models.JournalEntry{
		VoterID:    reset.VoterID,
		ElectionID: reset.ElectionID,
	}

	var chainElectionID *big.Int
	if reset.ChainElectionID != "" {
		chainElectionID, _ = new(big.Int).SetString(reset.ChainElectionID, 10)
	}
	var voter common.Address
	if common.IsHexAddress(reset.VoterAddress) {
		voter = common.HexToAddress(reset.VoterAddress)
	}

	if c.chainHasVote(ctx, chainElectionID, voter) {
		entry.Outcome = models.OutcomeResetSkip
	} else if err := c.tokens.ResetVote(ctx, reset.VoterID, reset.ElectionID); err != nil {
		reset.Attempts++
		reset.LastError = err.Error()
		if putErr := c.pending.Put(&reset); putErr != nil {
			c.logger.Error("failed to update pending reset", "key", reset.Key(), "error", putErr)
		}
		return fmt.Errorf("redelivery of %s failed: %w", reset.Key(), err)
	} else {
		entry.Outcome = models.OutcomeResetDone
	}

	if err := c.pending.Delete(reset.Key()); err != nil {
		c.logger.Error("failed to remove delivered reset", "key", reset.Key(), "error", err)
	}
	c.finish(ctx, entry)
	return nil
}

func (c *Compensator) chainHasVote(ctx context.Context, electionID *big.Int, voter common.Address) bool {
	if c.chain == nil || electionID == nil || voter == (common.Address{}) {
		return false
	}
	voted, err := c.chain.HasVoted(ctx, electionID, voter)
	if err != nil {
		c.logger.Warn("failed to check chain vote before reset", "election", electionID, "voter", voter.Hex(), "error", err)
		return false
	}
	return voted
}

func (c *Compensator) finish(ctx context.Context, entry *models.JournalEntry) {
	c.metrics.RecordCompensation(entry.Outcome)
	c.record(ctx, entry, 0, "")
}
