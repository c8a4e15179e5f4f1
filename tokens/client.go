// Package tokens talks to the voting-token service that issues, verifies and
// consumes single-use voting tokens.
package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"votebridge/models"
)

const (
	pathRequest = "voting-tokens"
	pathVerify  = "voting-tokens/verify"
	pathUse     = "voting-tokens/use"
	pathReset   = "test/reset-user-vote"
)

// Client is an HTTP client for the token service.
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

// WithAuthToken sets the service credential sent as a bearer token.
func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = token
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}
		c.logger = logger
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type requestTokenBody struct {
	ElectionID int64 `json:"electionId"`
}

type tokenBody struct {
	Token       string `json:"token"`
	ElectionID  int64  `json:"electionId"`
	CandidateID int64  `json:"candidateId"`
	TxHash      string `json:"txHash,omitempty"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Request issues a token for (voterID, electionID). The service marks the voter as
// provisionally committed, so a second request fails with KindAlreadyVoted.
func (c *Client) Request(ctx context.Context, voterID string, electionID int64) (string, error) {
	var resp tokenResponse
	if err := c.post(ctx, voterID, pathRequest, requestTokenBody{ElectionID: electionID}, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", models.NewVoteError(models.KindServerError, fmt.Errorf("token service returned an empty token"))
	}
	return resp.Token, nil
}

// Verify checks the token is still valid for the given choice. It has no side effects.
func (c *Client) Verify(ctx context.Context, voterID, token string, electionID, choiceID int64) (bool, error) {
	var resp verifyResponse
	body := tokenBody{Token: token, ElectionID: electionID, CandidateID: choiceID}
	if err := c.post(ctx, voterID, pathVerify, body, &resp); err != nil {
		if models.KindOf(err) == models.KindTokenInvalid {
			return false, nil
		}
		return false, err
	}
	return resp.Valid, nil
}

// Consume marks the token used by txHash.
func (c *Client) Consume(ctx context.Context, voterID, token string, electionID, choiceID int64, txHash string) error {
	body := tokenBody{Token: token, ElectionID: electionID, CandidateID: choiceID, TxHash: txHash}
	return c.post(ctx, voterID, pathUse, body, nil)
}

// ResetVote clears the voter's has-voted flag for the election.
func (c *Client) ResetVote(ctx context.Context, voterID string, electionID int64) error {
	return c.post(ctx, voterID, pathReset, requestTokenBody{ElectionID: electionID}, nil)
}

func (c *Client) post(ctx context.Context, voterID, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Voter-Id", voterID)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.NewVoteError(models.KindServerError, fmt.Errorf("token service %s: %w", path, err))
	}
	defer resp.Body.Close()

	c.logger.Debug("token service call",
		"path", path,
		"voter_id", voterID,
		"status", resp.StatusCode,
		"latency", time.Since(start))

	if resp.StatusCode >= http.StatusBadRequest {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return classifyStatus(path, resp.StatusCode, e.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.NewVoteError(models.KindServerError, fmt.Errorf("failed to decode %s response: %w", path, err))
	}
	return nil
}

func classifyStatus(path string, status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	err := fmt.Errorf("token service %s returned %s: %s", path, strconv.Itoa(status), message)

	lower := strings.ToLower(message)
	switch {
	case status == http.StatusConflict || strings.Contains(lower, "already voted"):
		return models.NewVoteError(models.KindAlreadyVoted, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusGone:
		return models.NewVoteError(models.KindTokenInvalid, err)
	case status == http.StatusNotFound && (path == pathVerify || path == pathUse):
		return models.NewVoteError(models.KindTokenInvalid, err)
	case strings.Contains(lower, "expired") || strings.Contains(lower, "invalid token"):
		return models.NewVoteError(models.KindTokenInvalid, err)
	default:
		return models.NewVoteError(models.KindServerError, err)
	}
}
