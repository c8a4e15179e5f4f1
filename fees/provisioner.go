package fees

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"votebridge/chain"
	"votebridge/models"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSource supplies the program nonce and the network's suggested priority fee.
type ChainSource interface {
	NextNonce(ctx context.Context, voter common.Address) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

type Provisioner struct {
	source ChainSource
	policy Policy
	logger *slog.Logger
}

type Option func(*Provisioner)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provisioner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewProvisioner(source ChainSource, policy Policy, opts ...Option) *Provisioner {
	p := &Provisioner{
		source: source,
		policy: policy,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provisioner) Policy() Policy {
	return p.policy
}

// NextNonce reads the voter's program nonce from the chain. There is no local counter.
func (p *Provisioner) NextNonce(ctx context.Context, voter common.Address) (*big.Int, error) {
	nonce, err := p.source.NextNonce(ctx, voter)
	if err != nil {
		return nil, models.NewVoteError(chain.Classify(err), fmt.Errorf("failed to read nonce for %s: %w", voter.Hex(), err))
	}
	return nonce, nil
}

func (p *Provisioner) Schedule(attempt int) models.FeeSchedule {
	return p.policy.Schedule(attempt)
}

// Provision returns the nonce and fees for the attempt after prev (nil for the
// first). The nonce is never below prev.Nonce+1 and every fee field strictly
// exceeds prev's. Fees never pass the ceiling; a retry that cannot outbid prev
// under it fails with ErrCeilingReached.
func (p *Provisioner) Provision(ctx context.Context, voter common.Address, prev *models.Provision) (*models.Provision, error) {
	attempt := 1
	if prev != nil {
		attempt = prev.Attempt + 1
	}

	nonce, err := p.NextNonce(ctx, voter)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.Nonce != nil && nonce.Cmp(prev.Nonce) <= 0 {
		nonce = new(big.Int).Add(prev.Nonce, big.NewInt(1))
	}

	fees := p.policy.Schedule(attempt)
	if suggested, err := p.source.SuggestGasTipCap(ctx); err != nil {
		p.logger.Warn("failed to read suggested tip, using policy schedule", "error", err)
	} else {
		fees.GasTipCap = maxBig(fees.GasTipCap, suggested)
	}
	fees = p.policy.Clamp(fees)

	if prev != nil {
		one := big.NewInt(1)
		if fees.GasLimit <= prev.Fees.GasLimit {
			fees.GasLimit = prev.Fees.GasLimit + 1
		}
		if fees.GasTipCap.Cmp(prev.Fees.GasTipCap) <= 0 {
			fees.GasTipCap = new(big.Int).Add(prev.Fees.GasTipCap, one)
		}
		if fees.GasFeeCap.Cmp(prev.Fees.GasFeeCap) <= 0 {
			fees.GasFeeCap = new(big.Int).Add(prev.Fees.GasFeeCap, one)
		}
		fees.GasFeeCap = maxBig(fees.GasFeeCap, fees.GasTipCap)
	}

	// Only a retry can land here: outbidding prev would break the ceiling.
	if !p.policy.WithinCeiling(fees) {
		p.logger.Warn("fee ceiling reached", "voter", voter.Hex(), "attempt", attempt)
		return nil, models.NewVoteError(models.KindTransientBroadcast, fmt.Errorf("attempt %d: %w", attempt, ErrCeilingReached))
	}

	p.logger.Debug("provisioned attempt",
		"voter", voter.Hex(),
		"attempt", attempt,
		"nonce", nonce,
		"gas_limit", fees.GasLimit,
		"gas_tip_cap", fees.GasTipCap,
		"gas_fee_cap", fees.GasFeeCap)

	return &models.Provision{Attempt: attempt, Nonce: nonce, Fees: fees}, nil
}
