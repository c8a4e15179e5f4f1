// Package confirm decides whether a broadcast transaction landed, trying an
// ordered list of strategies until one gives a definite answer.
package confirm

import (
	"context"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
)

type Outcome int

const (
	Unknown Outcome = iota
	Confirmed
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Strategy checks a transaction once. Returning Unknown hands over to the next strategy.
type Strategy interface {
	Name() string
	Check(ctx context.Context, txHash common.Hash) (Outcome, error)
}

// Result is the pipeline's verdict and which strategy produced it.
type Result struct {
	Outcome   Outcome
	DecidedBy string
	Err       error // last strategy error, if any
}

type Pipeline struct {
	strategies []Strategy
	logger     *slog.Logger
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPipeline(strategies []Strategy, opts ...Option) *Pipeline {
	p := &Pipeline{
		strategies: strategies,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Confirm runs the strategies in order. A strategy error counts as Unknown.
// When every strategy is Unknown the result is Unknown, i.e. ambiguous.
func (p *Pipeline) Confirm(ctx context.Context, txHash common.Hash) Result {
	var lastErr error
	for _, s := range p.strategies {
		outcome, err := s.Check(ctx, txHash)
		if err != nil {
			lastErr = err
			p.logger.Warn("confirmation strategy failed",
				"strategy", s.Name(),
				"tx_hash", txHash.Hex(),
				"error", err)
		}
		if outcome != Unknown {
			p.logger.Info("transaction outcome decided",
				"strategy", s.Name(),
				"tx_hash", txHash.Hex(),
				"outcome", outcome.String())
			return Result{Outcome: outcome, DecidedBy: s.Name(), Err: lastErr}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return Result{Outcome: Unknown, Err: lastErr}
}
