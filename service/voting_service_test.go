package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"votebridge/chain"
	"votebridge/confirm"
	"votebridge/fees"
	"votebridge/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lostTxChain never produces a receipt and never finds the transaction.
type lostTxChain struct {
	mu      sync.Mutex
	lookups int
}

func (c *lostTxChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, errors.New("receipt subscription dropped")
}

func (c *lostTxChain) BlockNumber(ctx context.Context) (uint64, error) { return 1, nil }

func (c *lostTxChain) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	return nil, false, ethereum.NotFound
}

func TestSubmitter(t *testing.T) {
	var (
		ctx = context.Background()
		req = models.VoteRequest{VoterID: "voter-1", ElectionID: 3, ChoiceID: 11}
	)

	t.Run("should succeed on the third broadcast with fresh nonces and escalated fees", func(t *testing.T) {
		// Arrange
		h := newHarness(t)
		h.wallet.sendErrs = []error{
			errors.New("replacement transaction underpriced"),
			errors.New("nonce too low"),
		}
		sut := h.submitter()
		var states []models.AttemptState

		// Act
		res, err := sut.SubmitVote(ctx, req, h.wallet, func(ev ProgressEvent) {
			states = append(states, ev.State)
		})

		// Assert
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, common.BigToHash(big.NewInt(3)).Hex(), res.TxHash)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, int64(1), res.Delta.Int64())
		assert.Equal(t, []int64{5, 6, 7}, h.chain.packed)

		require.Len(t, h.wallet.sent, 3)
		for i := 1; i < 3; i++ {
			prev, cur := h.wallet.sent[i-1], h.wallet.sent[i]
			assert.Greater(t, cur.Gas, prev.Gas)
			assert.Positive(t, cur.GasTipCap.Cmp(prev.GasTipCap))
			assert.Positive(t, cur.GasFeeCap.Cmp(prev.GasFeeCap))
		}

		assert.Equal(t, 1, h.tokens.ConsumedTokens("voter-1", 3))
		assert.True(t, h.reconciled("voter-1", 3))
		assert.Equal(t, models.StateRequestingToken, states[0])
		assert.Contains(t, states, models.StateRecordingVote)
		assert.Equal(t, models.StateIdle, states[len(states)-1])
		assert.Equal(t, 2, h.metrics.GetMetrics().Retries)
	})

	t.Run("should compensate exactly once when confirmation is ambiguous", func(t *testing.T) {
		// Arrange
		h := newHarness(t)
		h.wallet.onSend = nil
		lost := &lostTxChain{}
		h.confirmer = confirm.NewPipeline([]confirm.Strategy{
			&confirm.ReceiptStrategy{Source: lost, Lenient: true, Timeout: 50 * time.Millisecond, PollInterval: time.Millisecond},
			&confirm.InclusionStrategy{Source: lost, Lenient: true, Attempts: 3, Interval: time.Millisecond},
		})
		sut := h.submitter()

		// Act
		_, err := sut.SubmitVote(ctx, req, h.wallet, nil)

		// Assert
		require.Error(t, err)
		assert.Equal(t, models.KindConfirmationAmbiguous, models.KindOf(err))
		assert.Equal(t, 1, h.tokens.Resets())
		assert.Equal(t, 3, lost.lookups)
		assert.False(t, h.tokens.HasVoted("voter-1", 3))
		assert.True(t, h.reconciled("voter-1", 3))
		assert.Equal(t, []models.Outcome{models.OutcomeFailed, models.OutcomeCompensated}, outcomes(h.journal.Entries()))
		assert.NoError(t, h.journal.Validate())
	})

	t.Run("should reject a second vote before touching the chain", func(t *testing.T) {
		// Arrange
		h := newHarness(t)
		_, err := h.tokens.Request(ctx, "voter-1", 3)
		require.NoError(t, err)
		sut := h.submitter()

		// Act
		_, err = sut.SubmitVote(ctx, req, h.wallet, nil)

		// Assert
		assert.Equal(t, models.KindAlreadyVoted, models.KindOf(err))
		assert.Zero(t, h.wallet.sentCount())
		assert.Zero(t, h.tokens.Resets())
	})

	t.Run("should stop at a user rejection without retrying", func(t *testing.T) {
		// Arrange
		h := newHarness(t)
		h.wallet.sendErrs = []error{chain.ErrUserRejected}
		sut := h.submitter()

		// Act
		_, err := sut.SubmitVote(ctx, req, h.wallet, nil)

		// Assert
		assert.Equal(t, models.KindUserRejected, models.KindOf(err))
		assert.Equal(t, 1, h.wallet.sentCount())
		assert.Equal(t, 1, h.tokens.Resets())
		assert.True(t, h.reconciled("voter-1", 3))
	})

	t.Run("should not rebroadcast a transaction the node already holds", func(t *testing.T) {
		// Arrange
		h := newHarness(t)
		h.wallet.sendErrs = []error{errors.New("already known")}
		sut := h.submitter()

		// Act
		_, err := sut.SubmitVote(ctx, req, h.wallet, nil)

		// Assert
		require.Error(t, err)
		assert.False(t, models.KindOf(err).Retryable())
		assert.Equal(t, models.KindConfirmationAmbiguous, models.KindOf(err))
		assert.Equal(t, 1, h.wallet.sentCount())
		assert.Equal(t, []int64{5}, h.chain.packed)
		assert.Zero(t, h.metrics.GetMetrics().Retries)
		assert.True(t, h.reconciled("voter-1", 3))
	})

	t.Run("should journal a canceled request as canceled", func(t *testing.T) {
		// Arrange
		h := newHarness(t)
		cctx, cancel := context.WithCancel(ctx)
		h.wallet.sendErrs = []error{context.Canceled}
		cancel()
		sut := h.submitter()

		// Act
		_, err := sut.SubmitVote(cctx, req, h.wallet, nil)

		// Assert
		var ve *models.VoteError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, models.KindCanceled, ve.Kind)
		assert.Equal(t, models.KindCanceled.UserMessage(), ve.Message)
		assert.Equal(t, 1, h.wallet.sentCount())
		entries := h.journal.Entries()
		require.NotEmpty(t, entries)
		assert.Equal(t, models.KindCanceled, entries[0].ErrorKind)
		assert.True(t, h.reconciled("voter-1", 3))
	})

	t.Run("should stop retrying once fees reach the ceiling", func(t *testing.T) {
		// Arrange
		h := newHarness(t)
		h.chain.tip = new(big.Int).Mul(big.NewInt(25), big.NewInt(1_000_000_000))
		h.wallet.sendErrs = []error{errors.New("transaction underpriced")}
		sut := h.submitter()

		// Act
		_, err := sut.SubmitVote(ctx, req, h.wallet, nil)

		// Assert
		var ve *models.VoteError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, models.KindTransientBroadcast, ve.Kind)
		assert.Equal(t, models.KindTransientBroadcast.UserMessage(), ve.Message)
		assert.Equal(t, 1, h.wallet.sentCount())
		assert.Equal(t, 0, h.wallet.sent[0].GasTipCap.Cmp(fees.DefaultPolicy().MaxTipCap))
		assert.True(t, h.reconciled("voter-1", 3))
	})

	t.Run("should give up after the retry bound", func(t *testing.T) {
		// Arrange
		h := newHarness(t)
		h.wallet.sendErrs = []error{errors.New("i/o timeout"), errors.New("i/o timeout"), errors.New("i/o timeout")}
		sut := h.submitter()

		// Act
		_, err := sut.SubmitVote(ctx, req, h.wallet, nil)

		// Assert
		assert.Equal(t, models.KindTransientBroadcast, models.KindOf(err))
		assert.Equal(t, 3, h.wallet.sentCount())
		assert.True(t, h.reconciled("voter-1", 3))
	})

	t.Run("should not broadcast to an undeployed election", func(t *testing.T) {
		// Arrange
		h := newHarness(t)
		h.resolver.err = models.NewVoteError(models.KindNotDeployed, errors.New("no chain election"))
		sut := h.submitter()

		// Act
		_, err := sut.SubmitVote(ctx, req, h.wallet, nil)

		// Assert
		assert.Equal(t, models.KindNotDeployed, models.KindOf(err))
		assert.Zero(t, h.wallet.sentCount())
		assert.Equal(t, 1, h.tokens.Resets())
		assert.True(t, h.reconciled("voter-1", 3))
	})

	t.Run("should carry resolved ids on a reverted vote", func(t *testing.T) {
		// Arrange
		h := newHarness(t)
		h.wallet.onSend = nil
		h.confirmer = confirmWith(confirm.Failed)
		sut := h.submitter()

		// Act
		_, err := sut.SubmitVote(ctx, req, h.wallet, nil)

		// Assert
		var ve *models.VoteError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, models.KindContractRejected, ve.Kind)
		assert.Equal(t, int64(2), ve.ChainElectionID.Int64())
		assert.Equal(t, int64(7), ve.ChainChoiceID.Int64())
		assert.Equal(t, ve.Kind.UserMessage(), ve.Message)
		assert.True(t, h.reconciled("voter-1", 3))
	})

	t.Run("should refuse a token that went stale between broadcasts", func(t *testing.T) {
		// Arrange
		h := newHarness(t)
		h.wallet.sendErrs = []error{errors.New("nonce too low")}
		h.svc = &staleTokens{TokenService: h.tokens, valid: 1}
		sut := h.submitter()

		// Act
		_, err := sut.SubmitVote(ctx, req, h.wallet, nil)

		// Assert
		assert.Equal(t, models.KindTokenInvalid, models.KindOf(err))
		assert.Equal(t, 1, h.wallet.sentCount())
		assert.Equal(t, 1, h.tokens.Resets())
		assert.True(t, h.reconciled("voter-1", 3))
	})

	t.Run("should switch to the expected network after adding it", func(t *testing.T) {
		// Arrange
		h := newHarness(t)
		h.wallet.chainID = big.NewInt(1)
		h.wallet.known = map[string]bool{"1": true}
		sut := h.submitter()

		// Act
		res, err := sut.SubmitVote(ctx, req, h.wallet, nil)

		// Assert
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 1, h.wallet.adds)
		assert.Equal(t, 2, h.wallet.switches)
		assert.Equal(t, 0, h.wallet.chainID.Cmp(testNetwork.ChainID))
	})

	t.Run("should report a missing wallet", func(t *testing.T) {
		h := newHarness(t)
		sut := h.submitter()

		_, err := sut.SubmitVote(ctx, req, nil, nil)

		assert.Equal(t, models.KindWalletUnavailable, models.KindOf(err))
		assert.True(t, h.reconciled("voter-1", 3))
	})

	t.Run("should reject a concurrent submission for the same voter", func(t *testing.T) {
		// Arrange
		h := newHarness(t)
		h.wallet.block = make(chan struct{})
		sut := h.submitter()
		started := make(chan struct{})
		done := make(chan error, 1)

		go func() {
			_, err := sut.SubmitVote(ctx, req, h.wallet, func(ev ProgressEvent) {
				if ev.State == models.StateSubmittingVote && ev.Attempt == 1 {
					close(started)
				}
			})
			done <- err
		}()
		<-started

		// Act
		_, err := sut.SubmitVote(ctx, req, h.wallet, nil)
		close(h.wallet.block)

		// Assert
		assert.Equal(t, models.KindInProgress, models.KindOf(err))
		assert.NoError(t, <-done)
		assert.Equal(t, 1, h.tokens.ConsumedTokens("voter-1", 3))
	})
}
