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

type TransactionSource interface {
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
}

// InclusionStrategy looks the transaction up by hash up to Attempts times. A
// mined transaction confirms the vote in lenient mode; strict mode only accepts
// receipts, so inclusion alone stays Unknown.
type InclusionStrategy struct {
	Source   TransactionSource
	Lenient  bool
	Attempts int
	Interval time.Duration
}

func (s *InclusionStrategy) Name() string { return "inclusion" }

func (s *InclusionStrategy) Check(ctx context.Context, txHash common.Hash) (Outcome, error) {
	var lastErr error
	for i := 0; i < s.Attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return Unknown, ctx.Err()
			case <-time.After(s.Interval):
			}
		}

		tx, pending, err := s.Source.TransactionByHash(ctx, txHash)
		switch {
		case err != nil && !errors.Is(err, ethereum.NotFound):
			lastErr = err
		case tx != nil && !pending:
			if s.Lenient {
				return Confirmed, nil
			}
			return Unknown, nil
		}
	}

	if lastErr != nil {
		return Unknown, fmt.Errorf("transaction %s not found after %d lookups: %w", txHash.Hex(), s.Attempts, lastErr)
	}
	return Unknown, nil
}
