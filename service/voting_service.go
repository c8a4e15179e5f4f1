// Package service drives a vote from intent to a state that is consistent on
// both the ledger-of-record and the chain.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"votebridge/chain"
	"votebridge/confirm"
	"votebridge/fees"
	"votebridge/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type TokenService interface {
	Request(ctx context.Context, voterID string, electionID int64) (string, error)
	Verify(ctx context.Context, voterID, token string, electionID, choiceID int64) (bool, error)
	Consume(ctx context.Context, voterID, token string, electionID, choiceID int64, txHash string) error
	ResetVote(ctx context.Context, voterID string, electionID int64) error
}

type Resolver interface {
	ResolveElection(ctx context.Context, relationalID int64) (*models.ElectionMapping, error)
	ResolveChoice(ctx context.Context, election *models.ElectionMapping, choiceID int64, registerIfMissing bool) (*big.Int, error)
}

type Provisioner interface {
	Provision(ctx context.Context, voter common.Address, prev *models.Provision) (*models.Provision, error)
}

type Confirmer interface {
	Confirm(ctx context.Context, txHash common.Hash) confirm.Result
}

// VoteContract builds vote calldata and reads tallies.
type VoteContract interface {
	VoteCounter
	Address() common.Address
	PackVote(kind models.ElectionKind, electionID, choiceID, nonce *big.Int) ([]byte, error)
}

// BackoffFunc returns the pause before retry n (1-based).
type BackoffFunc func(retry int) time.Duration

func LinearBackoff(base time.Duration) BackoffFunc {
	return func(retry int) time.Duration {
		return base * time.Duration(retry)
	}
}

// RetryPolicy bounds broadcast attempts. Only transient broadcast failures are retried.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffFunc
}

func (p RetryPolicy) delay(retry int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(retry)
}

type SubmitterConfig struct {
	Network             chain.Network
	Retry               RetryPolicy
	RegisterCandidates  bool
	CompensationTimeout time.Duration
}

type Dependencies struct {
	Tokens      TokenService
	Resolver    Resolver
	Provisioner Provisioner
	Contract    VoteContract
	Confirmer   Confirmer
	Poller      *VoteCountPoller
	Compensator *Compensator
}

// ProgressEvent is reported on every state transition, for display only.
type ProgressEvent struct {
	AttemptID string              `json:"attempt_id"`
	State     models.AttemptState `json:"state"`
	Attempt   int                 `json:"attempt,omitempty"`
	TxHash    string              `json:"tx_hash,omitempty"`
}

type ProgressFunc func(ProgressEvent)

// Submitter runs the vote state machine:
// idle → requesting-token → token-received → connecting-wallet →
// submitting-vote → recording-vote → idle.
type Submitter struct {
	observers
	cfg         SubmitterConfig
	tokens      TokenService
	resolver    Resolver
	provisioner Provisioner
	contract    VoteContract
	confirmer   Confirmer
	poller      *VoteCountPoller
	compensator *Compensator
	guard       *VoterGuard
}

func NewSubmitter(cfg SubmitterConfig, deps Dependencies, opts ...Option) *Submitter {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 15 * time.Second
	}
	poller := deps.Poller
	if poller == nil {
		poller = NewVoteCountPoller(deps.Contract, 1, 0, nil)
	}
	return &Submitter{
		observers:   newObservers(opts),
		cfg:         cfg,
		tokens:      deps.Tokens,
		resolver:    deps.Resolver,
		provisioner: deps.Provisioner,
		contract:    deps.Contract,
		confirmer:   deps.Confirmer,
		poller:      poller,
		compensator: deps.Compensator,
		guard:       NewVoterGuard(),
	}
}

func (s *Submitter) Metrics() *MetricsCollector {
	return s.metrics
}

// SubmitVote casts one vote. Failures are *models.VoteError; every failure after
// the token was issued runs compensation before returning.
func (s *Submitter) SubmitVote(ctx context.Context, req models.VoteRequest, wallet chain.Wallet, progress ProgressFunc) (*models.VoteResult, error) {
	if !s.guard.Acquire(req.VoterID) {
		return nil, models.NewVoteError(models.KindInProgress, fmt.Errorf("voter %s already has a vote in flight", req.VoterID))
	}
	defer s.guard.Release(req.VoterID)

	attempt := &models.VoteAttempt{
		ID:        uuid.NewString(),
		State:     models.StateIdle,
		Request:   req,
		StartedAt: time.Now(),
	}
	s.metrics.RecordVotingStart()

	s.logger.Info("vote submission started",
		"attempt_id", attempt.ID,
		"voter_id", req.VoterID,
		"election_id", req.ElectionID,
		"choice_id", req.ChoiceID)

	// Token stage: failures here abort before any chain cost.
	s.transition(attempt, models.StateRequestingToken, progress)
	token, err := s.tokens.Request(ctx, req.VoterID, req.ElectionID)
	if err != nil {
		return nil, s.fail(ctx, attempt, tokenError(err), false, progress)
	}
	attempt.Token = token
	s.transition(attempt, models.StateTokenReceived, progress)

	s.transition(attempt, models.StateConnectingWallet, progress)
	if err := connectWallet(ctx, wallet, s.cfg.Network); err != nil {
		return nil, s.fail(ctx, attempt, err, true, progress)
	}
	attempt.Voter = wallet.Address()

	s.transition(attempt, models.StateSubmittingVote, progress)
	if err := s.resolve(ctx, attempt); err != nil {
		return nil, s.fail(ctx, attempt, err, true, progress)
	}

	if before, err := s.contract.VoteCount(ctx, attempt.Kind, attempt.ChainElectionID, attempt.ChainChoiceID); err != nil {
		s.logger.Warn("failed to read vote count before broadcast", "attempt_id", attempt.ID, "error", err)
	} else {
		attempt.BeforeVoteCount = before
	}

	txHash, err := s.broadcast(ctx, attempt, wallet, progress)
	if err != nil {
		return nil, s.fail(ctx, attempt, err, true, progress)
	}
	attempt.TxHash = &txHash
	s.transition(attempt, models.StateRecordingVote, progress)

	res := s.confirmer.Confirm(ctx, txHash)
	switch res.Outcome {
	case confirm.Confirmed:
		return s.succeed(ctx, attempt, progress)
	case confirm.Failed:
		return nil, s.fail(ctx, attempt, models.NewVoteError(models.KindContractRejected,
			fmt.Errorf("transaction %s reverted", txHash.Hex())), true, progress)
	default:
		cause := res.Err
		if cause == nil {
			cause = errors.New("no confirmation strategy could decide")
		}
		return nil, s.fail(ctx, attempt, models.NewVoteError(models.KindConfirmationAmbiguous,
			fmt.Errorf("transaction %s: %w", txHash.Hex(), cause)), true, progress)
	}
}

func (s *Submitter) resolve(ctx context.Context, attempt *models.VoteAttempt) error {
	election, err := s.resolver.ResolveElection(ctx, attempt.Request.ElectionID)
	if err != nil {
		return err
	}
	attempt.Kind = election.Kind
	attempt.ChainElectionID = election.ChainID

	choice, err := s.resolver.ResolveChoice(ctx, election, attempt.Request.ChoiceID, s.cfg.RegisterCandidates)
	if err != nil {
		return err
	}
	attempt.ChainChoiceID = choice
	return nil
}

// broadcast is the bounded retry loop. Every attempt provisions a fresh nonce and
// escalated fees, then verifies the token immediately before sending.
func (s *Submitter) broadcast(ctx context.Context, attempt *models.VoteAttempt, wallet chain.Wallet, progress ProgressFunc) (common.Hash, error) {
	var (
		prev    *models.Provision
		lastErr error
	)
	for n := 1; n <= s.cfg.Retry.MaxAttempts; n++ {
		if n > 1 {
			s.metrics.RecordRetry()
			select {
			case <-ctx.Done():
				return common.Hash{}, models.NewVoteError(chain.Classify(ctx.Err()), ctx.Err())
			case <-time.After(s.cfg.Retry.delay(n - 1)):
			}
		}
		attempt.AttemptCount = n

		provision, err := s.provisioner.Provision(ctx, attempt.Voter, prev)
		if errors.Is(err, fees.ErrCeilingReached) {
			s.logger.Warn("fee ceiling reached, no further retries", "attempt_id", attempt.ID, "attempt", n)
			if lastErr != nil {
				return common.Hash{}, lastErr
			}
			return common.Hash{}, err
		}
		if err != nil {
			lastErr = err
			if models.KindOf(err).Retryable() {
				continue
			}
			return common.Hash{}, err
		}
		attempt.Provision = provision
		prev = provision

		valid, err := s.tokens.Verify(ctx, attempt.Request.VoterID, attempt.Token, attempt.Request.ElectionID, attempt.Request.ChoiceID)
		if err != nil {
			return common.Hash{}, tokenError(err)
		}
		if !valid {
			return common.Hash{}, models.NewVoteError(models.KindTokenInvalid, errors.New("token no longer valid"))
		}

		data, err := s.contract.PackVote(attempt.Kind, attempt.ChainElectionID, attempt.ChainChoiceID, provision.Nonce)
		if err != nil {
			return common.Hash{}, models.NewVoteError(models.KindInternal, err)
		}

		s.emit(attempt, progress)
		hash, err := wallet.SendTransaction(ctx, chain.TxRequest{
			To:        s.contract.Address(),
			Data:      data,
			Gas:       provision.Fees.GasLimit,
			GasTipCap: provision.Fees.GasTipCap,
			GasFeeCap: provision.Fees.GasFeeCap,
		})
		if err == nil {
			s.logger.Info("vote broadcast",
				"attempt_id", attempt.ID,
				"attempt", n,
				"nonce", provision.Nonce,
				"tx_hash", hash.Hex())
			return hash, nil
		}

		kind := chain.Classify(err)
		lastErr = models.NewVoteError(kind, err)
		s.logger.Warn("broadcast failed",
			"attempt_id", attempt.ID,
			"attempt", n,
			"nonce", provision.Nonce,
			"kind", kind,
			"error", err)
		if !kind.Retryable() {
			return common.Hash{}, lastErr
		}
	}
	return common.Hash{}, lastErr
}

func (s *Submitter) succeed(ctx context.Context, attempt *models.VoteAttempt, progress ProgressFunc) (*models.VoteResult, error) {
	req := attempt.Request
	txHash := attempt.TxHash.Hex()

	if err := s.tokens.Consume(ctx, req.VoterID, attempt.Token, req.ElectionID, req.ChoiceID, txHash); err != nil {
		s.logger.Warn("failed to mark token consumed",
			"attempt_id", attempt.ID,
			"voter_id", req.VoterID,
			"tx_hash", txHash,
			"error", err)
	}

	result := &models.VoteResult{
		Success:   true,
		AttemptID: attempt.ID,
		TxHash:    txHash,
		Attempts:  attempt.AttemptCount,
	}
	count, delta, err := s.poller.Poll(ctx, attempt.Kind, attempt.ChainElectionID, attempt.ChainChoiceID, attempt.BeforeVoteCount)
	if err != nil {
		s.logger.Warn("failed to read vote count after confirmation", "attempt_id", attempt.ID, "error", err)
	}
	result.VoteCount = count
	result.Delta = delta

	voteCount := ""
	if count != nil {
		voteCount = count.String()
	}
	s.record(ctx, &models.JournalEntry{
		AttemptID:  attempt.ID,
		VoterID:    req.VoterID,
		ElectionID: req.ElectionID,
		Outcome:    models.OutcomeConfirmed,
		TxHash:     txHash,
	}, req.ChoiceID, voteCount)

	s.metrics.RecordVotingEnd(time.Since(attempt.StartedAt), nil)
	s.logger.Info("vote confirmed",
		"attempt_id", attempt.ID,
		"voter_id", req.VoterID,
		"tx_hash", txHash,
		"vote_count", count,
		"delta", delta)
	s.transition(attempt, models.StateIdle, progress)
	return result, nil
}

func (s *Submitter) fail(ctx context.Context, attempt *models.VoteAttempt, err error, compensate bool, progress ProgressFunc) error {
	ve := asVoteError(err)
	if ve.Kind != models.KindCanceled && errors.Is(err, context.Canceled) {
		ve.Kind = models.KindCanceled
		ve.Message = ve.Kind.UserMessage()
	}
	ve.ChainElectionID = attempt.ChainElectionID
	ve.ChainChoiceID = attempt.ChainChoiceID

	req := attempt.Request
	entry := &models.JournalEntry{
		AttemptID:  attempt.ID,
		VoterID:    req.VoterID,
		ElectionID: req.ElectionID,
		Outcome:    models.OutcomeFailed,
		ErrorKind:  ve.Kind,
	}
	if attempt.TxHash != nil {
		entry.TxHash = attempt.TxHash.Hex()
	}
	s.record(ctx, entry, req.ChoiceID, "")

	s.logger.Warn("vote submission failed",
		"attempt_id", attempt.ID,
		"voter_id", req.VoterID,
		"state", attempt.State,
		"kind", ve.Kind,
		"error", ve.Err)

	if compensate && s.compensator != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CompensationTimeout)
		if err := s.compensator.Compensate(cctx, CompensationRequest{
			AttemptID:       attempt.ID,
			VoterID:         req.VoterID,
			ElectionID:      req.ElectionID,
			ChainElectionID: attempt.ChainElectionID,
			Voter:           attempt.Voter,
			Cause:           ve.Kind,
		}); err != nil {
			s.logger.Error("compensation not delivered", "attempt_id", attempt.ID, "error", err)
		}
		cancel()
	}

	s.metrics.RecordVotingEnd(time.Since(attempt.StartedAt), ve)
	s.transition(attempt, models.StateIdle, progress)
	return ve
}

func (s *Submitter) transition(attempt *models.VoteAttempt, state models.AttemptState, progress ProgressFunc) {
	s.logger.Debug("attempt state", "attempt_id", attempt.ID, "from", attempt.State, "to", state)
	attempt.State = state
	s.emit(attempt, progress)
}

func (s *Submitter) emit(attempt *models.VoteAttempt, progress ProgressFunc) {
	if progress == nil {
		return
	}
	ev := ProgressEvent{AttemptID: attempt.ID, State: attempt.State, Attempt: attempt.AttemptCount}
	if attempt.TxHash != nil {
		ev.TxHash = attempt.TxHash.Hex()
	}
	progress(ev)
}

// tokenError keeps token-service kinds and treats anything else as a server error.
func tokenError(err error) error {
	var ve *models.VoteError
	if errors.As(err, &ve) {
		return err
	}
	return models.NewVoteError(models.KindServerError, err)
}

func asVoteError(err error) *models.VoteError {
	var ve *models.VoteError
	if errors.As(err, &ve) {
		cp := *ve
		return &cp
	}
	return models.NewVoteError(chain.Classify(err), err)
}
