package tokens

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"votebridge/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

type voterElection struct {
	voterID    string
	electionID int64
}

// MemoryService is an in-process token service with the same semantics as the
// remote one. It backs the dev server and the engine's tests.
type MemoryService struct {
	mu       sync.Mutex
	tokens   map[string]*models.VotingToken
	hasVoted map[voterElection]bool
	choices  map[string]int64
	txHashes map[string]string
	resets   int
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		tokens:   make(map[string]*models.VotingToken),
		hasVoted: make(map[voterElection]bool),
		choices:  make(map[string]int64),
		txHashes: make(map[string]string),
	}
}

func (m *MemoryService) Request(ctx context.Context, voterID string, electionID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := voterElection{voterID, electionID}
	if m.hasVoted[key] {
		return "", models.NewVoteError(models.KindAlreadyVoted, fmt.Errorf("voter %s already voted in election %d", voterID, electionID))
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", models.NewVoteError(models.KindServerError, err)
	}
	value := hexutil.Encode(raw)

	m.tokens[value] = &models.VotingToken{
		Value:      value,
		VoterID:    voterID,
		ElectionID: electionID,
		Status:     models.TokenIssued,
	}
	m.hasVoted[key] = true
	return value, nil
}

func (m *MemoryService) Verify(ctx context.Context, voterID, token string, electionID, choiceID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[token]
	if !ok || t.VoterID != voterID || t.ElectionID != electionID {
		return false, nil
	}
	if t.Status != models.TokenIssued && t.Status != models.TokenVerified {
		return false, nil
	}
	return true, nil
}

func (m *MemoryService) Consume(ctx context.Context, voterID, token string, electionID, choiceID int64, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[token]
	if !ok || t.VoterID != voterID || t.ElectionID != electionID {
		return models.NewVoteError(models.KindTokenInvalid, errors.New("unknown token"))
	}
	if t.Status == models.TokenIssued {
		if err := t.Advance(models.TokenVerified); err != nil {
			return err
		}
	}
	if err := t.Advance(models.TokenConsumed); err != nil {
		return models.NewVoteError(models.KindTokenInvalid, err)
	}
	m.choices[token] = choiceID
	m.txHashes[token] = txHash
	return nil
}

// ResetVote clears the has-voted flag and expires the voter's unconsumed tokens.
func (m *MemoryService) ResetVote(ctx context.Context, voterID string, electionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resets++
	delete(m.hasVoted, voterElection{voterID, electionID})
	for _, t := range m.tokens {
		if t.VoterID == voterID && t.ElectionID == electionID && t.Status.CanTransition(models.TokenExpired) {
			t.Status = models.TokenExpired
		}
	}
	return nil
}

// HasVoted reports the ledger-of-record flag for (voterID, electionID).
func (m *MemoryService) HasVoted(voterID string, electionID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasVoted[voterElection{voterID, electionID}]
}

// ConsumedTokens counts consumed tokens for (voterID, electionID).
func (m *MemoryService) ConsumedTokens(voterID string, electionID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.tokens {
		if t.VoterID == voterID && t.ElectionID == electionID && t.Status == models.TokenConsumed {
			n++
		}
	}
	return n
}

// Resets returns how many compensating resets were received.
func (m *MemoryService) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}
