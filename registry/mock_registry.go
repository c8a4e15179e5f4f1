package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"votebridge/models"
)

// MockRegistry is a file-backed, in-memory ledger-of-record for local runs and tests.
type MockRegistry struct {
	elections  map[int64]*models.ElectionRecord
	candidates map[int64]*models.CandidateRecord
	tickets    map[int64]*models.TicketRecord
	mu         sync.RWMutex
	config     MockConfig
}

type MockConfig struct {
	DataFilePath string `json:"data_file_path"`
}

type registryData struct {
	Elections  []*models.ElectionRecord  `json:"elections"`
	Candidates []*models.CandidateRecord `json:"candidates"`
	Tickets    []*models.TicketRecord    `json:"tickets"`
}

func NewMockRegistry(config MockConfig) (*MockRegistry, error) {
	r := &MockRegistry{
		elections:  make(map[int64]*models.ElectionRecord),
		candidates: make(map[int64]*models.CandidateRecord),
		tickets:    make(map[int64]*models.TicketRecord),
		config:     config,
	}

	if config.DataFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.DataFilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %v", err)
		}
	}
	return r, nil
}

// LoadFromFile replaces the in-memory rows with the data file, creating a default
// file when none exists.
func (m *MockRegistry) LoadFromFile() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.config.DataFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return m.createDefaultFile()
		}
		return fmt.Errorf("failed to read registry file: %v", err)
	}

	var rd registryData
	if err := json.Unmarshal(data, &rd); err != nil {
		return fmt.Errorf("failed to unmarshal registry data: %v", err)
	}
	return m.load(rd)
}

func (m *MockRegistry) load(rd registryData) error {
	m.elections = make(map[int64]*models.ElectionRecord)
	m.candidates = make(map[int64]*models.CandidateRecord)
	m.tickets = make(map[int64]*models.TicketRecord)

	for _, e := range rd.Elections {
		if err := validateElection(e); err != nil {
			return fmt.Errorf("invalid election %d: %v", e.ID, err)
		}
		m.elections[e.ID] = e
	}
	for _, c := range rd.Candidates {
		if c.StudentID == "" {
			return fmt.Errorf("invalid candidate %d: student id is required", c.ID)
		}
		m.candidates[c.ID] = c
	}
	for _, t := range rd.Tickets {
		if t.PresidentStudentID == "" || t.VPStudentID == "" {
			return fmt.Errorf("invalid ticket %d: both student ids are required", t.ID)
		}
		m.tickets[t.ID] = t
	}
	return nil
}

func (m *MockRegistry) createDefaultFile() error {
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	rd := registryData{
		Elections: []*models.ElectionRecord{
			{ID: 1, Title: "Student Council 2025", StartDate: start, Type: models.ElectionSenatorial},
		},
		Candidates: []*models.CandidateRecord{
			{ID: 1, StudentID: "2021-00001", ElectionID: 1, Name: "Ana Reyes"},
			{ID: 2, StudentID: "2021-00002", ElectionID: 1, Name: "Ben Cruz"},
		},
	}

	data, err := json.MarshalIndent(rd, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal default registry data: %v", err)
	}
	if err := os.WriteFile(m.config.DataFilePath, data, 0644); err != nil {
		return fmt.Errorf("failed to save default registry file: %v", err)
	}
	return m.load(rd)
}

func validateElection(e *models.ElectionRecord) error {
	if e.Title == "" {
		return fmt.Errorf("title is required")
	}
	if e.StartDate.IsZero() {
		return fmt.Errorf("start date is required")
	}
	switch e.Type {
	case models.ElectionSenatorial, models.ElectionPresidential:
	default:
		return fmt.Errorf("unknown election type %q", e.Type)
	}
	return nil
}

func (m *MockRegistry) GetElection(ctx context.Context, id int64) (*models.ElectionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.elections[id]
	if !ok {
		return nil, fmt.Errorf("election %d: %w", id, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *MockRegistry) GetCandidate(ctx context.Context, id int64) (*models.CandidateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.candidates[id]
	if !ok {
		return nil, fmt.Errorf("candidate %d: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MockRegistry) ElectionCandidates(ctx context.Context, electionID int64) ([]models.CandidateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.elections[electionID]; !ok {
		return nil, fmt.Errorf("election %d: %w", electionID, ErrNotFound)
	}
	var out []models.CandidateRecord
	for _, c := range m.candidates {
		if c.ElectionID == electionID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockRegistry) GetTicket(ctx context.Context, id int64) (*models.TicketRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %d: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// TestHelper mutates a MockRegistry the way relational edits would.
type TestHelper struct {
	registry *MockRegistry
}

func NewTestHelper(registry *MockRegistry) *TestHelper {
	return &TestHelper{registry: registry}
}

func (th *TestHelper) AddElection(e *models.ElectionRecord) {
	th.registry.mu.Lock()
	defer th.registry.mu.Unlock()
	th.registry.elections[e.ID] = e
}

func (th *TestHelper) AddCandidate(c *models.CandidateRecord) {
	th.registry.mu.Lock()
	defer th.registry.mu.Unlock()
	th.registry.candidates[c.ID] = c
}

func (th *TestHelper) AddTicket(t *models.TicketRecord) {
	th.registry.mu.Lock()
	defer th.registry.mu.Unlock()
	th.registry.tickets[t.ID] = t
}

// RemoveCandidate deletes a candidate row; relational ids are never reused.
func (th *TestHelper) RemoveCandidate(id int64) {
	th.registry.mu.Lock()
	defer th.registry.mu.Unlock()
	delete(th.registry.candidates, id)
}

func (th *TestHelper) RemoveElection(id int64) {
	th.registry.mu.Lock()
	defer th.registry.mu.Unlock()
	delete(th.registry.elections, id)
}
