package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"votebridge/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var ErrNotConnected = errors.New("chain client is not connected")

// Backend is the subset of an Ethereum RPC client the engine reads from.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// Client talks to the election program at a fixed address.
// It is constructed explicitly and passed to every component that needs it.
type Client struct {
	mu      sync.RWMutex
	rpcURL  string
	address common.Address
	abi     abi.ABI
	backend Backend
	closer  func()
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger. A nil logger disables logging.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger == nil {
			c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}
		c.logger = logger
	}
}

// WithBackend connects the client to an existing backend instead of dialing.
func WithBackend(backend Backend) ClientOption {
	return func(c *Client) {
		c.backend = backend
	}
}

// NewClient creates a client for the program at address. Call Connect before use
// unless a backend was supplied with WithBackend.
func NewClient(rpcURL string, address common.Address, opts ...ClientOption) (*Client, error) {
	parsed, err := ElectionABI()
	if err != nil {
		return nil, err
	}

	c := &Client{
		rpcURL:  rpcURL,
		address: address,
		abi:     parsed,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect dials the RPC endpoint. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backend != nil {
		return nil
	}

	client, err := ethclient.DialContext(ctx, c.rpcURL)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.rpcURL, err)
	}
	c.backend = client
	c.closer = client.Close

	c.logger.Info("connected to chain", "rpc_url", c.rpcURL, "contract", c.address.Hex())
	return nil
}

// Close releases the RPC connection. The client may be connected again afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closer != nil {
		c.closer()
	}
	c.backend = nil
	c.closer = nil
}

func (c *Client) Address() common.Address {
	return c.address
}

func (c *Client) ABI() abi.ABI {
	return c.abi
}

func (c *Client) current() (Backend, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.backend == nil {
		return nil, ErrNotConnected
	}
	return c.backend, nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	backend, err := c.current()
	if err != nil {
		return nil, err
	}

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	to := c.address
	raw, err := backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}

func (c *Client) callBig(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected %s result length %d", method, len(out))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, out[0])
	}
	return value, nil
}

func (c *Client) callBigSlice(ctx context.Context, method string, args ...interface{}) ([]*big.Int, error) {
	out, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected %s result length %d", method, len(out))
	}
	values, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, out[0])
	}
	return values, nil
}

// ElectionDetails is the chain's view of one election.
type ElectionDetails struct {
	ID             *big.Int
	Name           string
	StartTime      time.Time
	EndTime        time.Time
	Status         uint8
	IsPresidential bool
}

func (c *Client) ElectionCount(ctx context.Context) (*big.Int, error) {
	return c.callBig(ctx, methodElectionCount)
}

func (c *Client) ElectionDetails(ctx context.Context, electionID *big.Int) (*ElectionDetails, error) {
	out, err := c.call(ctx, methodElectionDetails, electionID)
	if err != nil {
		return nil, err
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("unexpected %s result length %d", methodElectionDetails, len(out))
	}

	var (
		name, ok1         = out[0].(string)
		start, ok2        = out[1].(*big.Int)
		end, ok3          = out[2].(*big.Int)
		status, ok4       = out[3].(uint8)
		presidential, ok5 = out[4].(bool)
	)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil, fmt.Errorf("unexpected %s result types", methodElectionDetails)
	}

	return &ElectionDetails{
		ID:             new(big.Int).Set(electionID),
		Name:           name,
		StartTime:      time.Unix(start.Int64(), 0).UTC(),
		EndTime:        time.Unix(end.Int64(), 0).UTC(),
		Status:         status,
		IsPresidential: presidential,
	}, nil
}

func (c *Client) ElectionCandidates(ctx context.Context, electionID *big.Int) ([]*big.Int, error) {
	return c.callBigSlice(ctx, methodElectionCandidates, electionID)
}

func (c *Client) ElectionTickets(ctx context.Context, electionID *big.Int) ([]*big.Int, error) {
	return c.callBigSlice(ctx, methodElectionTickets, electionID)
}

// VoteCount reads the tally of a candidate or ticket depending on kind.
func (c *Client) VoteCount(ctx context.Context, kind models.ElectionKind, electionID, choiceID *big.Int) (*big.Int, error) {
	if kind == models.ElectionPresidential {
		return c.callBig(ctx, methodTicketVoteCount, electionID, choiceID)
	}
	return c.callBig(ctx, methodCandidateVoteCount, electionID, choiceID)
}

func (c *Client) HasVoted(ctx context.Context, electionID *big.Int, voter common.Address) (bool, error) {
	out, err := c.call(ctx, methodCheckIfVoted, electionID, voter)
	if err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("unexpected %s result length %d", methodCheckIfVoted, len(out))
	}
	voted, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected %s result type %T", methodCheckIfVoted, out[0])
	}
	return voted, nil
}

// NextNonce returns the program-level replay nonce expected from voter.
func (c *Client) NextNonce(ctx context.Context, voter common.Address) (*big.Int, error) {
	return c.callBig(ctx, methodNextNonce, voter)
}

// CandidateIDByStudentID returns zero when no candidate is registered for studentID.
func (c *Client) CandidateIDByStudentID(ctx context.Context, studentID string) (*big.Int, error) {
	return c.callBig(ctx, methodCandidateByStudent, studentID)
}

// TicketIDByStudentIDs returns zero when no ticket exists for the pair.
func (c *Client) TicketIDByStudentIDs(ctx context.Context, presidentStudentID, vpStudentID string) (*big.Int, error) {
	return c.callBig(ctx, methodTicketByStudents, presidentStudentID, vpStudentID)
}

// Calldata builders for the program's writes. Broadcasting is the wallet's job.

func (c *Client) PackVote(kind models.ElectionKind, electionID, choiceID, nonce *big.Int) ([]byte, error) {
	method := methodVoteForSenator
	if kind == models.ElectionPresidential {
		method = methodVoteForPresidentVP
	}
	return c.pack(method, electionID, choiceID, nonce)
}

func (c *Client) PackRegisterCandidate(studentID string) ([]byte, error) {
	return c.pack(methodRegisterCandidate, studentID)
}

func (c *Client) PackRegisterVoter(voter common.Address) ([]byte, error) {
	return c.pack(methodRegisterVoter, voter)
}

func (c *Client) PackRegisterVoters(voters []common.Address) ([]byte, error) {
	return c.pack(methodRegisterVotersBatch, voters)
}

func (c *Client) PackUpdateElectionStatus(electionID *big.Int, status uint8) ([]byte, error) {
	return c.pack(methodUpdateStatus, electionID, status)
}

func (c *Client) pack(method string, args ...interface{}) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	return data, nil
}

// Passthroughs used by fee provisioning and confirmation.

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	backend, err := c.current()
	if err != nil {
		return nil, err
	}
	return backend.ChainID(ctx)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	backend, err := c.current()
	if err != nil {
		return 0, err
	}
	return backend.BlockNumber(ctx)
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	backend, err := c.current()
	if err != nil {
		return nil, err
	}
	return backend.TransactionReceipt(ctx, txHash)
}

func (c *Client) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	backend, err := c.current()
	if err != nil {
		return nil, false, err
	}
	return backend.TransactionByHash(ctx, txHash)
}

func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	backend, err := c.current()
	if err != nil {
		return nil, err
	}
	return backend.SuggestGasTipCap(ctx)
}
