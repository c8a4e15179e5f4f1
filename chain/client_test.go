package chain

import (
	"context"
	"math/big"
	"testing"
	"time"

	"votebridge/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend answers contract calls by decoding calldata against the program ABI.
type fakeBackend struct {
	abi      abi.ABI
	handlers map[string]func(args []interface{}) []interface{}
	calls    []string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	parsed, err := ElectionABI()
	require.NoError(t, err)
	return &fakeBackend{abi: parsed, handlers: make(map[string]func([]interface{}) []interface{})}
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	method, err := f.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, method.Name)
	return method.Outputs.Pack(f.handlers[method.Name](args)...)
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(31337), nil }
func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) { return 10, nil }
func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (f *fakeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}
func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func TestClient(t *testing.T) {
	var (
		contract  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
		newClient = func(t *testing.T, backend Backend) *Client {
			c, err := NewClient("", contract, WithBackend(backend))
			require.NoError(t, err)
			return c
		}
	)

	t.Run("should decode election details", func(t *testing.T) {
		// Arrange
		var (
			backend = newFakeBackend(t)
			sut     = newClient(t, backend)
			start   = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
		)
		backend.handlers[methodElectionDetails] = func(args []interface{}) []interface{} {
			return []interface{}{"SSC 2025", big.NewInt(start.Unix()), big.NewInt(start.Add(time.Hour).Unix()), uint8(1), true}
		}

		// Act
		details, err := sut.ElectionDetails(context.Background(), big.NewInt(4))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "SSC 2025", details.Name)
		assert.True(t, details.StartTime.Equal(start))
		assert.Equal(t, uint8(1), details.Status)
		assert.True(t, details.IsPresidential)
		assert.Equal(t, int64(4), details.ID.Int64())
	})

	t.Run("should look up candidates by student id", func(t *testing.T) {
		// Arrange
		var (
			backend = newFakeBackend(t)
			sut     = newClient(t, backend)
			seen    string
		)
		backend.handlers[methodCandidateByStudent] = func(args []interface{}) []interface{} {
			seen = args[0].(string)
			return []interface{}{big.NewInt(12)}
		}

		// Act
		id, err := sut.CandidateIDByStudentID(context.Background(), "2021-00123")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "2021-00123", seen)
		assert.Equal(t, int64(12), id.Int64())
	})

	t.Run("should read ticket tallies for presidential elections", func(t *testing.T) {
		// Arrange
		var (
			backend = newFakeBackend(t)
			sut     = newClient(t, backend)
		)
		backend.handlers[methodTicketVoteCount] = func(args []interface{}) []interface{} {
			return []interface{}{big.NewInt(7)}
		}
		backend.handlers[methodCandidateVoteCount] = func(args []interface{}) []interface{} {
			return []interface{}{big.NewInt(3)}
		}

		// Act
		tickets, err1 := sut.VoteCount(context.Background(), models.ElectionPresidential, big.NewInt(1), big.NewInt(2))
		senators, err2 := sut.VoteCount(context.Background(), models.ElectionSenatorial, big.NewInt(1), big.NewInt(2))

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, int64(7), tickets.Int64())
		assert.Equal(t, int64(3), senators.Int64())
		assert.Equal(t, []string{methodTicketVoteCount, methodCandidateVoteCount}, backend.calls)
	})

	t.Run("should report whether a voter has voted", func(t *testing.T) {
		// Arrange
		var (
			backend = newFakeBackend(t)
			sut     = newClient(t, backend)
			voter   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
		)
		backend.handlers[methodCheckIfVoted] = func(args []interface{}) []interface{} {
			return []interface{}{args[1].(common.Address) == voter}
		}

		// Act
		voted, err := sut.HasVoted(context.Background(), big.NewInt(1), voter)

		// Assert
		require.NoError(t, err)
		assert.True(t, voted)
	})

	t.Run("should pack the vote method matching the election kind", func(t *testing.T) {
		// Arrange
		var sut = newClient(t, newFakeBackend(t))

		// Act
		senator, err1 := sut.PackVote(models.ElectionSenatorial, big.NewInt(1), big.NewInt(2), big.NewInt(3))
		president, err2 := sut.PackVote(models.ElectionPresidential, big.NewInt(1), big.NewInt(2), big.NewInt(3))

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, sut.ABI().Methods[methodVoteForSenator].ID, senator[:4])
		assert.Equal(t, sut.ABI().Methods[methodVoteForPresidentVP].ID, president[:4])
	})

	t.Run("should fail reads before connecting", func(t *testing.T) {
		// Arrange
		sut, err := NewClient("http://127.0.0.1:0", contract)
		require.NoError(t, err)

		// Act
		_, err = sut.NextNonce(context.Background(), common.Address{})

		// Assert
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("should disconnect on close", func(t *testing.T) {
		// Arrange
		var sut = newClient(t, newFakeBackend(t))

		// Act
		sut.Close()
		_, err := sut.ChainID(context.Background())

		// Assert
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}
