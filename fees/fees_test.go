package fees

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"votebridge/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	nonces  []int64
	calls   int
	tip     *big.Int
	tipErr  error
	nonceFn func() (*big.Int, error)
}

func (f *fakeSource) NextNonce(ctx context.Context, voter common.Address) (*big.Int, error) {
	if f.nonceFn != nil {
		return f.nonceFn()
	}
	n := f.nonces[len(f.nonces)-1]
	if f.calls < len(f.nonces) {
		n = f.nonces[f.calls]
	}
	f.calls++
	return big.NewInt(n), nil
}

func (f *fakeSource) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if f.tipErr != nil {
		return nil, f.tipErr
	}
	if f.tip == nil {
		return big.NewInt(1), nil
	}
	return f.tip, nil
}

func TestPolicy(t *testing.T) {
	t.Run("should escalate linearly from the base", func(t *testing.T) {
		// Arrange
		sut := DefaultPolicy()

		// Act
		first := sut.Schedule(1)
		third := sut.Schedule(3)

		// Assert
		assert.Equal(t, uint64(300_000), first.GasLimit)
		assert.Equal(t, 0, first.GasTipCap.Cmp(gwei(2)))
		assert.Equal(t, uint64(450_000), third.GasLimit)
		assert.Equal(t, 0, third.GasTipCap.Cmp(gwei(3)))
		assert.Equal(t, 0, third.GasFeeCap.Cmp(gwei(45)))
	})

	t.Run("should strictly dominate across the retry bound", func(t *testing.T) {
		sut := DefaultPolicy()
		require.NoError(t, sut.Validate(5))

		for n := 2; n <= 5; n++ {
			assert.True(t, sut.Schedule(n).Dominates(sut.Schedule(n-1)), "attempt %d", n)
			assert.True(t, sut.WithinCeiling(sut.Schedule(n)), "attempt %d", n)
		}
	})

	t.Run("should clamp at the ceiling", func(t *testing.T) {
		sut := DefaultPolicy()

		far := sut.Schedule(100)

		assert.Equal(t, sut.MaxGasLimit, far.GasLimit)
		assert.Equal(t, 0, far.GasTipCap.Cmp(sut.MaxTipCap))
		assert.Equal(t, 0, far.GasFeeCap.Cmp(sut.MaxFeeCap))
	})

	t.Run("should reject a curve that hits the ceiling within the bound", func(t *testing.T) {
		sut := DefaultPolicy()
		sut.MaxGasLimit = 400_000

		err := sut.Validate(3)

		assert.ErrorIs(t, err, ErrCeilingReached)
	})

	t.Run("should reject a curve too flat to grow", func(t *testing.T) {
		sut := DefaultPolicy()
		sut.BaseTipCap = big.NewInt(1)
		sut.StepPercent = 10

		err := sut.Validate(3)

		assert.ErrorContains(t, err, "does not exceed")
	})

	t.Run("should clamp every field and keep the tip under the fee cap", func(t *testing.T) {
		// Arrange
		sut := DefaultPolicy()
		sut.MaxFeeCap = gwei(10)

		// Act
		got := sut.Clamp(models.FeeSchedule{GasLimit: 2_000_000, GasTipCap: gwei(25), GasFeeCap: gwei(300)})

		// Assert
		assert.Equal(t, sut.MaxGasLimit, got.GasLimit)
		assert.Equal(t, 0, got.GasFeeCap.Cmp(gwei(10)))
		assert.Equal(t, 0, got.GasTipCap.Cmp(gwei(10)))
	})

	t.Run("should reject missing values", func(t *testing.T) {
		assert.Error(t, Policy{}.Validate(3))

		p := DefaultPolicy()
		p.StepPercent = 0
		assert.Error(t, p.Validate(3))
	})
}

func TestProvisioner(t *testing.T) {
	var (
		ctx   = context.Background()
		voter = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	)

	t.Run("should produce consecutive nonces when the chain has not advanced", func(t *testing.T) {
		// Arrange
		sut := NewProvisioner(&fakeSource{nonces: []int64{5}}, DefaultPolicy())

		// Act
		p1, err := sut.Provision(ctx, voter, nil)
		require.NoError(t, err)
		p2, err := sut.Provision(ctx, voter, p1)
		require.NoError(t, err)
		p3, err := sut.Provision(ctx, voter, p2)
		require.NoError(t, err)

		// Assert
		assert.Equal(t, []int64{5, 6, 7}, []int64{p1.Nonce.Int64(), p2.Nonce.Int64(), p3.Nonce.Int64()})
		assert.Equal(t, []int{1, 2, 3}, []int{p1.Attempt, p2.Attempt, p3.Attempt})
		assert.True(t, p2.Fees.Dominates(p1.Fees))
		assert.True(t, p3.Fees.Dominates(p2.Fees))
	})

	t.Run("should follow the chain nonce when it moves ahead", func(t *testing.T) {
		sut := NewProvisioner(&fakeSource{nonces: []int64{5, 9}}, DefaultPolicy())

		p1, err := sut.Provision(ctx, voter, nil)
		require.NoError(t, err)
		p2, err := sut.Provision(ctx, voter, p1)
		require.NoError(t, err)

		assert.Equal(t, int64(9), p2.Nonce.Int64())
	})

	t.Run("should raise the tip to the network suggestion", func(t *testing.T) {
		// Arrange
		source := &fakeSource{nonces: []int64{0}, tip: gwei(5)}
		sut := NewProvisioner(source, DefaultPolicy())

		// Act
		p1, err := sut.Provision(ctx, voter, nil)
		require.NoError(t, err)
		p2, err := sut.Provision(ctx, voter, p1)
		require.NoError(t, err)

		// Assert
		assert.Equal(t, 0, p1.Fees.GasTipCap.Cmp(gwei(5)))
		assert.True(t, p2.Fees.Dominates(p1.Fees))
		assert.True(t, p1.Fees.GasFeeCap.Cmp(p1.Fees.GasTipCap) >= 0)
	})

	t.Run("should fall back to the policy when the suggestion fails", func(t *testing.T) {
		sut := NewProvisioner(&fakeSource{nonces: []int64{0}, tipErr: errors.New("rpc down")}, DefaultPolicy())

		p, err := sut.Provision(ctx, voter, nil)

		require.NoError(t, err)
		assert.Equal(t, 0, p.Fees.GasTipCap.Cmp(gwei(2)))
	})

	t.Run("should clamp a suggestion above the ceiling on the first attempt", func(t *testing.T) {
		// Arrange
		policy := DefaultPolicy()
		sut := NewProvisioner(&fakeSource{nonces: []int64{0}, tip: gwei(25)}, policy)

		// Act
		p, err := sut.Provision(ctx, voter, nil)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 0, p.Fees.GasTipCap.Cmp(policy.MaxTipCap))
		assert.True(t, policy.WithinCeiling(p.Fees))
		assert.True(t, p.Fees.GasFeeCap.Cmp(p.Fees.GasTipCap) >= 0)
	})

	t.Run("should report congestion when a retry cannot outbid under the ceiling", func(t *testing.T) {
		// Arrange
		sut := NewProvisioner(&fakeSource{nonces: []int64{0}, tip: gwei(25)}, DefaultPolicy())
		first, err := sut.Provision(ctx, voter, nil)
		require.NoError(t, err)

		// Act
		_, err = sut.Provision(ctx, voter, first)

		// Assert
		assert.ErrorIs(t, err, ErrCeilingReached)
		assert.Equal(t, models.KindTransientBroadcast, models.KindOf(err))
		assert.Equal(t, "The network is congested. Please try again shortly.", models.KindOf(err).UserMessage())
	})

	t.Run("should classify nonce read failures", func(t *testing.T) {
		source := &fakeSource{nonceFn: func() (*big.Int, error) { return nil, errors.New("i/o timeout") }}
		sut := NewProvisioner(source, DefaultPolicy())

		_, err := sut.Provision(ctx, voter, nil)

		assert.Equal(t, models.KindTransientBroadcast, models.KindOf(err))
	})
}
