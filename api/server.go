// File: api/server.go
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"votebridge/chain"
	"votebridge/models"
	"votebridge/service"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

type VoteSubmitter interface {
	SubmitVote(ctx context.Context, req models.VoteRequest, wallet chain.Wallet, progress service.ProgressFunc) (*models.VoteResult, error)
}

type MappingCache interface {
	Invalidate(kind models.EntityKind, naturalKey string)
	Len() int
}

type JournalChecker interface {
	Validate() error
	Len() int
}

type MetricsSource interface {
	GetMetrics() service.MetricsResponse
}

type PendingCounter interface {
	Len() int
}

// Admin performs the program's administrative writes.
type Admin interface {
	RegisterVoters(ctx context.Context, voters []common.Address) (common.Hash, error)
	UpdateElectionStatus(ctx context.Context, electionID *big.Int, status uint8) (common.Hash, error)
}

// WalletOpener turns the key carried by a vote request into a connected wallet.
// The returned func releases it.
type WalletOpener func(ctx context.Context, privateKey string) (chain.Wallet, func(), error)

// KeyWalletOpener opens local key wallets on network.
func KeyWalletOpener(network chain.Network, dial chain.Dialer) WalletOpener {
	return func(ctx context.Context, privateKey string) (chain.Wallet, func(), error) {
		w, err := chain.OpenKeyWallet(ctx, privateKey, network, dial)
		if err != nil {
			return nil, nil, err
		}
		return w, w.Close, nil
	}
}

type Deps struct {
	Submitter VoteSubmitter
	Wallets   WalletOpener
	Mappings  MappingCache
	Journal   JournalChecker
	Metrics   MetricsSource
	Pending   PendingCounter
	Admin     Admin
}

type Server struct {
	deps       Deps
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

type CastVoteRequest struct {
	VoterID    string `json:"voter_id" binding:"required"`
	ElectionID int64  `json:"election_id" binding:"required"`
	ChoiceID   int64  `json:"choice_id" binding:"required"`
	PrivateKey string `json:"private_key" binding:"required"`
}

type InvalidateRequest struct {
	Kind       string `json:"kind" binding:"required"`
	NaturalKey string `json:"natural_key" binding:"required"`
}

type RegisterVotersRequest struct {
	Addresses []string `json:"addresses" binding:"required"`
}

type ElectionStatusRequest struct {
	Status uint8 `json:"status"`
}

type ErrorResponse struct {
	Error           string `json:"error"`
	Message         string `json:"message"`
	ChainElectionID string `json:"chain_election_id,omitempty"`
	ChainChoiceID   string `json:"chain_choice_id,omitempty"`
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] | %s | %d | %s | %s | %s | %s\n",
			param.TimeStamp.Format("2006-01-02 15:04:05"),
			param.ClientIP,
			param.StatusCode,
			param.Method,
			param.Path,
			param.ErrorMessage,
			param.Latency,
		)
	}))

	api := router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/metrics", s.handleMetrics)
		api.GET("/journal/validate", s.handleValidateJournal)

		api.POST("/votes", s.handleCastVote)
		api.POST("/votes/stream", s.handleCastVoteStream)

		api.POST("/mappings/invalidate", s.handleInvalidate)

		admin := api.Group("/admin")
		{
			admin.POST("/voters", s.handleRegisterVoters)
			admin.POST("/elections/:id/status", s.handleElectionStatus)
		}
	}
	return router
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. It returns nil on a clean shutdown.
func (s *Server) Start(addr string, readTimeout, writeTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	s.logger.Info("http server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status": "UP",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.deps.Pending != nil {
		resp["pending_resets"] = s.deps.Pending.Len()
	}
	if s.deps.Mappings != nil {
		resp["cached_mappings"] = s.deps.Mappings.Len()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.deps.Metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics are not enabled"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Metrics.GetMetrics())
}

func (s *Server) handleValidateJournal(c *gin.Context) {
	if s.deps.Journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal is not enabled"})
		return
	}
	if err := s.deps.Journal.Validate(); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"is_valid": false,
			"entries":  s.deps.Journal.Len(),
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"is_valid": true,
		"entries":  s.deps.Journal.Len(),
	})
}

func (s *Server) openWallet(c *gin.Context) (*CastVoteRequest, chain.Wallet, func(), bool) {
	var req CastVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, nil, nil, false
	}

	wallet, release, err := s.deps.Wallets(c.Request.Context(), req.PrivateKey)
	if err != nil {
		s.logger.Warn("failed to open wallet", "voter_id", req.VoterID, "error", err)
		s.writeError(c, models.NewVoteError(chain.Classify(err), err))
		return nil, nil, nil, false
	}
	return &req, wallet, release, true
}

func (s *Server) handleCastVote(c *gin.Context) {
	req, wallet, release, ok := s.openWallet(c)
	if !ok {
		return
	}
	defer release()

	result, err := s.deps.Submitter.SubmitVote(c.Request.Context(), models.VoteRequest{
		VoterID:    req.VoterID,
		ElectionID: req.ElectionID,
		ChoiceID:   req.ChoiceID,
	}, wallet, nil)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleCastVoteStream reports every state transition as a server-sent event
// and finishes with a "result" or "error" event.
func (s *Server) handleCastVoteStream(c *gin.Context) {
	req, wallet, release, ok := s.openWallet(c)
	if !ok {
		return
	}

	type outcome struct {
		result *models.VoteResult
		err    error
	}
	var (
		ctx      = c.Request.Context()
		progress = make(chan service.ProgressEvent, 16)
		done     = make(chan outcome, 1)
	)

	go func() {
		result, err := s.deps.Submitter.SubmitVote(ctx, models.VoteRequest{
			VoterID:    req.VoterID,
			ElectionID: req.ElectionID,
			ChoiceID:   req.ChoiceID,
		}, wallet, func(ev service.ProgressEvent) {
			select {
			case progress <- ev:
			case <-ctx.Done():
			}
		})
		release()
		done <- outcome{result: result, err: err}
	}()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-progress:
			c.SSEvent("progress", ev)
			return true
		case out := <-done:
			// Flush transitions emitted just before the result.
			for len(progress) > 0 {
				c.SSEvent("progress", <-progress)
			}
			if out.err != nil {
				c.SSEvent("error", errorResponse(out.err))
				return false
			}
			c.SSEvent("result", out.result)
			return false
		case <-ctx.Done():
			return false
		}
	})
}

func (s *Server) handleInvalidate(c *gin.Context) {
	var req InvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, ok := models.ParseEntityKind(req.Kind)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown mapping kind %q", req.Kind)})
		return
	}

	s.deps.Mappings.Invalidate(kind, req.NaturalKey)
	s.logger.Info("mapping invalidated", "kind", kind, "natural_key", req.NaturalKey)
	c.JSON(http.StatusOK, gin.H{"message": "Mapping invalidated"})
}

func (s *Server) handleRegisterVoters(c *gin.Context) {
	if s.deps.Admin == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin wallet is not configured"})
		return
	}
	var req RegisterVotersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	voters := make([]common.Address, 0, len(req.Addresses))
	for _, a := range req.Addresses {
		if !common.IsHexAddress(a) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid address %q", a)})
			return
		}
		voters = append(voters, common.HexToAddress(a))
	}
	if len(voters) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no addresses given"})
		return
	}

	hash, err := s.deps.Admin.RegisterVoters(c.Request.Context(), voters)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tx_hash": hash.Hex(), "registered": len(voters)})
}

func (s *Server) handleElectionStatus(c *gin.Context) {
	if s.deps.Admin == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin wallet is not configured"})
		return
	}
	electionID, ok := new(big.Int).SetString(c.Param("id"), 10)
	if !ok || electionID.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "election id must be a positive integer"})
		return
	}
	var req ElectionStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hash, err := s.deps.Admin.UpdateElectionStatus(c.Request.Context(), electionID, req.Status)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tx_hash": hash.Hex(), "status": req.Status})
}

func (s *Server) writeError(c *gin.Context, err error) {
	c.JSON(statusFor(models.KindOf(err)), errorResponse(err))
}

func errorResponse(err error) ErrorResponse {
	var ve *models.VoteError
	if !errors.As(err, &ve) {
		ve = models.NewVoteError(models.KindInternal, err)
	}
	resp := ErrorResponse{Error: string(ve.Kind), Message: ve.Message}
	if ve.ChainElectionID != nil {
		resp.ChainElectionID = ve.ChainElectionID.String()
	}
	if ve.ChainChoiceID != nil {
		resp.ChainChoiceID = ve.ChainChoiceID.String()
	}
	return resp
}

// statusClientClosedRequest is the nginx convention for a request the client abandoned.
const statusClientClosedRequest = 499

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindAlreadyVoted, models.KindInProgress:
		return http.StatusConflict
	case models.KindTokenInvalid:
		return http.StatusUnauthorized
	case models.KindNotDeployed, models.KindNotFound:
		return http.StatusNotFound
	case models.KindWalletUnavailable, models.KindNetworkMismatch, models.KindUserRejected:
		return http.StatusBadRequest
	case models.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case models.KindContractRejected:
		return http.StatusUnprocessableEntity
	case models.KindTransientBroadcast:
		return http.StatusServiceUnavailable
	case models.KindConfirmationAmbiguous:
		return http.StatusGatewayTimeout
	case models.KindServerError:
		return http.StatusBadGateway
	case models.KindCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
