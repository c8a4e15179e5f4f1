// Package fees provisions the nonce and the escalating fee schedule used for each
// broadcast attempt.
package fees

import (
	"errors"
	"fmt"
	"math/big"

	"votebridge/models"
)

var ErrCeilingReached = errors.New("fee schedule would exceed its ceiling")

// Policy is a linear escalation curve: attempt n (1-based) pays
// base × (100 + StepPercent × (n-1)) / 100 on every field, clamped at the ceiling.
type Policy struct {
	BaseGasLimit uint64
	BaseTipCap   *big.Int
	BaseFeeCap   *big.Int
	StepPercent  uint64

	MaxGasLimit uint64
	MaxTipCap   *big.Int
	MaxFeeCap   *big.Int
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

// DefaultPolicy escalates by 25% per attempt and stays under its ceiling for
// at least five attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseGasLimit: 300_000,
		BaseTipCap:   gwei(2),
		BaseFeeCap:   gwei(30),
		StepPercent:  25,
		MaxGasLimit:  1_000_000,
		MaxTipCap:    gwei(20),
		MaxFeeCap:    gwei(200),
	}
}

func (p Policy) multiplier(attempt int) int64 {
	if attempt < 1 {
		attempt = 1
	}
	return 100 + int64(p.StepPercent)*int64(attempt-1)
}

func (p Policy) scaleBig(base *big.Int, attempt int) *big.Int {
	v := new(big.Int).Mul(base, big.NewInt(p.multiplier(attempt)))
	return v.Div(v, big.NewInt(100))
}

// Schedule returns the fee schedule for a 1-based attempt number, clamped at the ceiling.
func (p Policy) Schedule(attempt int) models.FeeSchedule {
	gas := p.BaseGasLimit * uint64(p.multiplier(attempt)) / 100
	if gas > p.MaxGasLimit {
		gas = p.MaxGasLimit
	}
	return models.FeeSchedule{
		GasLimit:  gas,
		GasTipCap: minBig(p.scaleBig(p.BaseTipCap, attempt), p.MaxTipCap),
		GasFeeCap: minBig(p.scaleBig(p.BaseFeeCap, attempt), p.MaxFeeCap),
	}
}

// Validate rejects policies whose curve would stall at the ceiling, or fail to
// grow, within maxAttempts.
func (p Policy) Validate(maxAttempts int) error {
	if p.BaseGasLimit == 0 || p.BaseTipCap == nil || p.BaseFeeCap == nil || p.BaseTipCap.Sign() <= 0 || p.BaseFeeCap.Sign() <= 0 {
		return errors.New("fee policy base values must be positive")
	}
	if p.MaxTipCap == nil || p.MaxFeeCap == nil {
		return errors.New("fee policy ceilings must be set")
	}
	if p.StepPercent == 0 {
		return errors.New("fee policy step must be positive")
	}
	if p.BaseFeeCap.Cmp(p.BaseTipCap) < 0 {
		return errors.New("fee policy base fee cap must not be below the base tip cap")
	}
	if maxAttempts < 1 {
		return fmt.Errorf("invalid max attempts %d", maxAttempts)
	}

	last := models.FeeSchedule{
		GasLimit:  p.BaseGasLimit * uint64(p.multiplier(maxAttempts)) / 100,
		GasTipCap: p.scaleBig(p.BaseTipCap, maxAttempts),
		GasFeeCap: p.scaleBig(p.BaseFeeCap, maxAttempts),
	}
	if last.GasLimit > p.MaxGasLimit || last.GasTipCap.Cmp(p.MaxTipCap) > 0 || last.GasFeeCap.Cmp(p.MaxFeeCap) > 0 {
		return fmt.Errorf("attempt %d: %w", maxAttempts, ErrCeilingReached)
	}

	for n := 2; n <= maxAttempts; n++ {
		if !p.Schedule(n).Dominates(p.Schedule(n - 1)) {
			return fmt.Errorf("fee schedule for attempt %d does not exceed attempt %d", n, n-1)
		}
	}
	return nil
}

// WithinCeiling reports whether every field of f is at or under the ceiling.
func (p Policy) WithinCeiling(f models.FeeSchedule) bool {
	return f.GasLimit <= p.MaxGasLimit &&
		f.GasTipCap.Cmp(p.MaxTipCap) <= 0 &&
		f.GasFeeCap.Cmp(p.MaxFeeCap) <= 0
}

// Clamp caps every field of f at the ceiling and keeps the tip within the fee cap.
func (p Policy) Clamp(f models.FeeSchedule) models.FeeSchedule {
	if f.GasLimit > p.MaxGasLimit {
		f.GasLimit = p.MaxGasLimit
	}
	f.GasTipCap = minBig(f.GasTipCap, p.MaxTipCap)
	f.GasFeeCap = minBig(maxBig(f.GasFeeCap, f.GasTipCap), p.MaxFeeCap)
	f.GasTipCap = minBig(f.GasTipCap, f.GasFeeCap)
	return f
}

func minBig(a, b *big.Int) *big.Int {
	if b != nil && a.Cmp(b) > 0 {
		return new(big.Int).Set(b)
	}
	return a
}

func maxBig(a, b *big.Int) *big.Int {
	if b != nil && b.Cmp(a) > 0 {
		return new(big.Int).Set(b)
	}
	return a
}
