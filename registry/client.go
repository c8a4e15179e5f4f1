package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"votebridge/models"
)

// Client reads the ledger-of-record over its HTTP API.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = token
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) GetElection(ctx context.Context, id int64) (*models.ElectionRecord, error) {
	var rec models.ElectionRecord
	if err := c.get(ctx, fmt.Sprintf("elections/%d", id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) GetCandidate(ctx context.Context, id int64) (*models.CandidateRecord, error) {
	var rec models.CandidateRecord
	if err := c.get(ctx, fmt.Sprintf("candidates/%d", id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) ElectionCandidates(ctx context.Context, electionID int64) ([]models.CandidateRecord, error) {
	var recs []models.CandidateRecord
	if err := c.get(ctx, fmt.Sprintf("elections/%d/candidates", electionID), &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (c *Client) GetTicket(ctx context.Context, id int64) (*models.TicketRecord, error) {
	var rec models.TicketRecord
	if err := c.get(ctx, fmt.Sprintf("tickets/%d", id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode >= http.StatusBadRequest:
		c.logger.Warn("registry request failed", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("registry %s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
