package tokens

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"votebridge/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTokenServer serves the token-service routes on top of a MemoryService.
func fakeTokenServer(t *testing.T, svc *MemoryService) *httptest.Server {
	t.Helper()

	writeErr := func(w http.ResponseWriter, status int, msg string) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(errorResponse{Message: msg})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/voting-tokens", func(w http.ResponseWriter, r *http.Request) {
		var body requestTokenBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		token, err := svc.Request(r.Context(), r.Header.Get("X-Voter-Id"), body.ElectionID)
		if err != nil {
			writeErr(w, http.StatusConflict, "You have already voted in this election")
			return
		}
		_ = json.NewEncoder(w).Encode(tokenResponse{Token: token})
	})
	mux.HandleFunc("/voting-tokens/verify", func(w http.ResponseWriter, r *http.Request) {
		var body tokenBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		ok, _ := svc.Verify(r.Context(), r.Header.Get("X-Voter-Id"), body.Token, body.ElectionID, body.CandidateID)
		_ = json.NewEncoder(w).Encode(verifyResponse{Valid: ok})
	})
	mux.HandleFunc("/voting-tokens/use", func(w http.ResponseWriter, r *http.Request) {
		var body tokenBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		if err := svc.Consume(r.Context(), r.Header.Get("X-Voter-Id"), body.Token, body.ElectionID, body.CandidateID, body.TxHash); err != nil {
			writeErr(w, http.StatusGone, "token already used")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/test/reset-user-vote", func(w http.ResponseWriter, r *http.Request) {
		var body requestTokenBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = svc.ResetVote(r.Context(), r.Header.Get("X-Voter-Id"), body.ElectionID)
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient(t *testing.T) {
	ctx := context.Background()

	t.Run("should refuse a second token for the same voter and election", func(t *testing.T) {
		// Arrange
		var (
			srv = fakeTokenServer(t, NewMemoryService())
			sut = NewClient(srv.URL)
		)
		_, err := sut.Request(ctx, "voter-1", 3)
		require.NoError(t, err)

		// Act
		_, err = sut.Request(ctx, "voter-1", 3)

		// Assert
		require.Error(t, err)
		assert.Equal(t, models.KindAlreadyVoted, models.KindOf(err))
	})

	t.Run("should issue exactly one token under concurrent requests", func(t *testing.T) {
		// Arrange
		var (
			srv      = fakeTokenServer(t, NewMemoryService())
			sut      = NewClient(srv.URL)
			wg       sync.WaitGroup
			mu       sync.Mutex
			issued   int
			rejected int
		)

		// Act
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := sut.Request(ctx, "voter-2", 3)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					issued++
				} else if models.KindOf(err) == models.KindAlreadyVoted {
					rejected++
				}
			}()
		}
		wg.Wait()

		// Assert
		assert.Equal(t, 1, issued)
		assert.Equal(t, 7, rejected)
	})

	t.Run("should verify then consume a token only once", func(t *testing.T) {
		// Arrange
		var (
			svc = NewMemoryService()
			srv = fakeTokenServer(t, svc)
			sut = NewClient(srv.URL)
		)
		token, err := sut.Request(ctx, "voter-3", 5)
		require.NoError(t, err)

		// Act
		valid, err := sut.Verify(ctx, "voter-3", token, 5, 11)
		require.NoError(t, err)
		firstUse := sut.Consume(ctx, "voter-3", token, 5, 11, "0xabc")
		secondUse := sut.Consume(ctx, "voter-3", token, 5, 11, "0xabc")
		validAfter, verifyErr := sut.Verify(ctx, "voter-3", token, 5, 11)

		// Assert
		assert.True(t, valid)
		assert.NoError(t, firstUse)
		assert.Equal(t, models.KindTokenInvalid, models.KindOf(secondUse))
		assert.NoError(t, verifyErr)
		assert.False(t, validAfter)
		assert.Equal(t, 1, svc.ConsumedTokens("voter-3", 5))
	})

	t.Run("should allow a new token after a reset", func(t *testing.T) {
		// Arrange
		var (
			svc = NewMemoryService()
			srv = fakeTokenServer(t, svc)
			sut = NewClient(srv.URL)
		)
		old, err := sut.Request(ctx, "voter-4", 1)
		require.NoError(t, err)

		// Act
		require.NoError(t, sut.ResetVote(ctx, "voter-4", 1))
		fresh, err := sut.Request(ctx, "voter-4", 1)

		// Assert
		require.NoError(t, err)
		assert.NotEqual(t, old, fresh)
		oldValid, err := sut.Verify(ctx, "voter-4", old, 1, 2)
		require.NoError(t, err)
		assert.False(t, oldValid)
	})

	t.Run("should forward the voter id and bearer credential", func(t *testing.T) {
		// Arrange
		var gotVoter, gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotVoter = r.Header.Get("X-Voter-Id")
			gotAuth = r.Header.Get("Authorization")
			_ = json.NewEncoder(w).Encode(tokenResponse{Token: "t"})
		}))
		defer srv.Close()
		sut := NewClient(srv.URL+"/", WithAuthToken("svc-secret"))

		// Act
		_, err := sut.Request(ctx, "voter-5", 1)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "voter-5", gotVoter)
		assert.Equal(t, "Bearer svc-secret", gotAuth)
	})
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		status  int
		message string
		want    models.ErrorKind
	}{
		{"conflict", pathRequest, http.StatusConflict, "", models.KindAlreadyVoted},
		{"already voted message", pathRequest, http.StatusBadRequest, "User has already voted", models.KindAlreadyVoted},
		{"unauthorized", pathVerify, http.StatusUnauthorized, "", models.KindTokenInvalid},
		{"gone", pathUse, http.StatusGone, "", models.KindTokenInvalid},
		{"unknown token", pathUse, http.StatusNotFound, "", models.KindTokenInvalid},
		{"expired message", pathVerify, http.StatusBadRequest, "Token expired", models.KindTokenInvalid},
		{"server error", pathRequest, http.StatusBadGateway, "", models.KindServerError},
		{"missing route", pathRequest, http.StatusNotFound, "", models.KindServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStatus(tt.path, tt.status, tt.message)
			assert.Equal(t, tt.want, models.KindOf(err))
		})
	}
}

func TestClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Request(context.Background(), "voter", 1)

	require.Error(t, err)
	assert.Equal(t, models.KindServerError, models.KindOf(err))
}
