package service

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"votebridge/chain"
	"votebridge/confirm"
	"votebridge/fees"
	"votebridge/models"
	"votebridge/storage"
	"votebridge/tokens"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	testNetwork  = chain.Network{ChainID: big.NewInt(31337), Name: "devnet", RPCURL: "http://127.0.0.1:8545", CurrencySymbol: "ETH"}
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	voterAddr    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

// fakeChain is the program: tallies, nonces and the chain-side voted flag.
type fakeChain struct {
	mu          sync.Mutex
	nonce       int64
	count       int64
	voted       bool
	packed      []int64
	tip         *big.Int
	hasVotedErr error
}

func (f *fakeChain) Address() common.Address { return contractAddr }

func (f *fakeChain) VoteCount(ctx context.Context, kind models.ElectionKind, electionID, choiceID *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return big.NewInt(f.count), nil
}

func (f *fakeChain) PackVote(kind models.ElectionKind, electionID, choiceID, nonce *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packed = append(f.packed, nonce.Int64())
	return append([]byte{0xde, 0xad}, nonce.Bytes()...), nil
}

func (f *fakeChain) NextNonce(ctx context.Context, voter common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return big.NewInt(f.nonce), nil
}

func (f *fakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tip != nil {
		return f.tip, nil
	}
	return big.NewInt(1), nil
}

func (f *fakeChain) HasVoted(ctx context.Context, electionID *big.Int, voter common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.voted, f.hasVotedErr
}

// land records a vote as mined.
func (f *fakeChain) land() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	f.voted = true
	f.nonce++
}

type fakeWallet struct {
	mu        sync.Mutex
	address   common.Address
	chainID   *big.Int
	known     map[string]bool
	sendErrs  []error
	sent      []chain.TxRequest
	onSend    func()
	block     chan struct{}
	switchErr error
	switches  int
	adds      int
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		address: voterAddr,
		chainID: new(big.Int).Set(testNetwork.ChainID),
		known:   map[string]bool{testNetwork.ChainID.String(): true},
	}
}

func (w *fakeWallet) Address() common.Address { return w.address }

func (w *fakeWallet) ChainID(ctx context.Context) (*big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainID, nil
}

func (w *fakeWallet) SwitchChain(ctx context.Context, chainID *big.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.switches++
	if w.switchErr != nil {
		return w.switchErr
	}
	if !w.known[chainID.String()] {
		return chain.ErrChainNotAdded
	}
	w.chainID = chainID
	return nil
}

func (w *fakeWallet) AddChain(ctx context.Context, network chain.Network) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.adds++
	w.known[network.ChainID.String()] = true
	return nil
}

func (w *fakeWallet) SendTransaction(ctx context.Context, req chain.TxRequest) (common.Hash, error) {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	idx := len(w.sent)
	w.sent = append(w.sent, req)
	var err error
	if idx < len(w.sendErrs) {
		err = w.sendErrs[idx]
	}
	onSend := w.onSend
	w.mu.Unlock()

	if err != nil {
		return common.Hash{}, err
	}
	if onSend != nil {
		onSend()
	}
	return common.BigToHash(big.NewInt(int64(idx + 1))), nil
}

func (w *fakeWallet) sentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

type fakeResolver struct {
	election *models.ElectionMapping
	choice   *big.Int
	err      error
}

func (r *fakeResolver) ResolveElection(ctx context.Context, relationalID int64) (*models.ElectionMapping, error) {
	if r.err != nil {
		return nil, r.err
	}
	em := *r.election
	em.RelationalID = relationalID
	return &em, nil
}

func (r *fakeResolver) ResolveChoice(ctx context.Context, election *models.ElectionMapping, choiceID int64, registerIfMissing bool) (*big.Int, error) {
	return r.choice, nil
}

type confirmFunc func(ctx context.Context, txHash common.Hash) confirm.Result

func (f confirmFunc) Confirm(ctx context.Context, txHash common.Hash) confirm.Result {
	return f(ctx, txHash)
}

func confirmWith(outcome confirm.Outcome) Confirmer {
	return confirmFunc(func(context.Context, common.Hash) confirm.Result {
		return confirm.Result{Outcome: outcome, DecidedBy: "fake"}
	})
}

// flakyResets fails the first n resets before delegating.
type flakyResets struct {
	mu    sync.Mutex
	inner ResetService
	fails int
	calls int
}

func (f *flakyResets) ResetVote(ctx context.Context, voterID string, electionID int64) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return context.DeadlineExceeded
	}
	return f.inner.ResetVote(ctx, voterID, electionID)
}

// staleTokens reports the token invalid after the first valid verifications.
type staleTokens struct {
	TokenService
	mu    sync.Mutex
	valid int
}

func (s *staleTokens) Verify(ctx context.Context, voterID, token string, electionID, choiceID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.valid == 0 {
		return false, nil
	}
	s.valid--
	return s.TokenService.Verify(ctx, voterID, token, electionID, choiceID)
}

type harness struct {
	tokens    *tokens.MemoryService
	svc       TokenService
	resets    ResetService
	chain     *fakeChain
	wallet    *fakeWallet
	resolver  *fakeResolver
	confirmer Confirmer
	pending   *storage.PendingStore
	journal   *storage.Journal
	metrics   *MetricsCollector
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	pending, err := storage.NewPendingStore(dir, nil)
	require.NoError(t, err)
	journal, err := storage.NewJournal(dir)
	require.NoError(t, err)

	resolver := &fakeResolver{
		election: &models.ElectionMapping{ChainID: big.NewInt(2), Kind: models.ElectionSenatorial, IsDeployed: true},
		choice:   big.NewInt(7),
	}
	h := &harness{
		tokens:    tokens.NewMemoryService(),
		chain:     &fakeChain{nonce: 5},
		wallet:    newFakeWallet(),
		resolver:  resolver,
		confirmer: confirmWith(confirm.Confirmed),
		pending:   pending,
		journal:   journal,
		metrics:   NewMetricsCollector(),
	}
	h.svc = h.tokens
	h.resets = h.tokens
	h.wallet.onSend = h.chain.land
	return h
}

func (h *harness) compensator() *Compensator {
	return NewCompensator(h.resets, h.chain, h.pending, WithJournal(h.journal), WithMetrics(h.metrics))
}

func (h *harness) submitter() *Submitter {
	return NewSubmitter(SubmitterConfig{
		Network: testNetwork,
		Retry:   RetryPolicy{MaxAttempts: 3, Backoff: LinearBackoff(time.Millisecond)},
	}, Dependencies{
		Tokens:      h.svc,
		Resolver:    h.resolver,
		Provisioner: fees.NewProvisioner(h.chain, fees.DefaultPolicy()),
		Contract:    h.chain,
		Confirmer:   h.confirmer,
		Poller:      NewVoteCountPoller(h.chain, 3, time.Millisecond, nil),
		Compensator: h.compensator(),
	}, WithJournal(h.journal), WithMetrics(h.metrics))
}

// reconciled reports whether the has-voted flag agrees with the chain.
func (h *harness) reconciled(voterID string, electionID int64) bool {
	h.chain.mu.Lock()
	voted := h.chain.voted
	h.chain.mu.Unlock()
	return h.tokens.HasVoted(voterID, electionID) == voted
}

func outcomes(entries []*models.JournalEntry) []models.Outcome {
	out := make([]models.Outcome, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Outcome)
	}
	return out
}
