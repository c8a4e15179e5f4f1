package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"votebridge/models"
)

// VoteCounter reads a candidate or ticket tally from the chain.
type VoteCounter interface {
	VoteCount(ctx context.Context, kind models.ElectionKind, electionID, choiceID *big.Int) (*big.Int, error)
}

// VoteCountPoller re-reads a tally after a confirmed vote until it moves past the
// count taken before broadcast.
type VoteCountPoller struct {
	counter  VoteCounter
	attempts int
	interval time.Duration
	logger   *slog.Logger
}

func NewVoteCountPoller(counter VoteCounter, attempts int, interval time.Duration, logger *slog.Logger) *VoteCountPoller {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &VoteCountPoller{counter: counter, attempts: attempts, interval: interval, logger: logger}
}

// Poll returns the latest count and its delta over before. delta is nil when
// before is unknown. A tally that never moves is not an error: the vote is
// already confirmed and the read node may simply lag.
func (p *VoteCountPoller) Poll(ctx context.Context, kind models.ElectionKind, electionID, choiceID, before *big.Int) (*big.Int, *big.Int, error) {
	var (
		count   *big.Int
		lastErr error
	)
	for i := 0; i < p.attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return count, delta(count, before), ctx.Err()
			case <-time.After(p.interval):
			}
		}

		c, err := p.counter.VoteCount(ctx, kind, electionID, choiceID)
		if err != nil {
			lastErr = err
			continue
		}
		count = c
		if before == nil || count.Cmp(before) > 0 {
			return count, delta(count, before), nil
		}
	}

	if count == nil {
		return nil, nil, fmt.Errorf("failed to read vote count after %d attempts: %w", p.attempts, lastErr)
	}
	p.logger.Warn("vote count did not increase",
		"election", electionID,
		"choice", choiceID,
		"before", before,
		"after", count)
	return count, delta(count, before), nil
}

func delta(count, before *big.Int) *big.Int {
	if count == nil || before == nil {
		return nil
	}
	return new(big.Int).Sub(count, before)
}
