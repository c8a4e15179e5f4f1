package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ReceiptStrategy polls for the transaction receipt until Timeout.
//
// In lenient mode any receipt that is not explicitly failed confirms the vote.
// In strict mode the status must be successful and the receipt must be buried
// under MinConfirmations blocks (counting its own).
type ReceiptStrategy struct {
	Source           ReceiptSource
	Lenient          bool
	MinConfirmations uint64
	Timeout          time.Duration
	PollInterval     time.Duration
}

func (s *ReceiptStrategy) Name() string { return "receipt" }

func (s *ReceiptStrategy) Check(ctx context.Context, txHash common.Hash) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	interval := s.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := s.Source.TransactionReceipt(ctx, txHash)
		if receipt != nil {
			outcome, err := s.judge(ctx, receipt)
			if err != nil || outcome != Unknown {
				return outcome, err
			}
		} else if err != nil && !errors.Is(err, ethereum.NotFound) {
			return Unknown, fmt.Errorf("failed to fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return Unknown, fmt.Errorf("receipt wait for %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *ReceiptStrategy) judge(ctx context.Context, receipt *types.Receipt) (Outcome, error) {
	if receipt.Status == types.ReceiptStatusFailed {
		return Failed, nil
	}
	if s.Lenient {
		return Confirmed, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Failed, nil
	}

	if s.MinConfirmations <= 1 || receipt.BlockNumber == nil {
		return Confirmed, nil
	}
	head, err := s.Source.BlockNumber(ctx)
	if err != nil {
		return Unknown, fmt.Errorf("failed to read block number: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head >= mined && head-mined+1 >= s.MinConfirmations {
		return Confirmed, nil
	}
	return Unknown, nil
}
