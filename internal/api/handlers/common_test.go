package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconiq/quote-engine/internal/api/response"
	"github.com/reconiq/quote-engine/internal/estimate"
	"github.com/reconiq/quote-engine/internal/ingest"
	"github.com/reconiq/quote-engine/internal/quote"
	"github.com/reconiq/quote-engine/internal/repository"
	"github.com/reconiq/quote-engine/internal/usage"
)

func testContext(target string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, target, nil)
	return c, w
}

func TestRespondError_Mapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", fmt.Errorf("%w: tax_rate out of range", quote.ErrValidation), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"estimate input", estimate.ErrInvalidInput, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"incomplete artifact", estimate.ErrIncompleteArtifact, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad file", fmt.Errorf("%w: no rows", ingest.ErrInvalidFile), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing quote", quote.ErrQuoteNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"stale write", fmt.Errorf("save: %w", repository.ErrVersionConflict), http.StatusConflict, "VERSION_CONFLICT"},
		{"bad transition", quote.ErrInvalidTransition, http.StatusConflict, "INVALID_STATE"},
		{"locked quote", quote.ErrNotEditable, http.StatusConflict, "INVALID_STATE"},
		{"unknown", errors.New("connection reset"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := testContext("/")
			respondError(c, tt.err, "something failed")

			require.Equal(t, tt.status, w.Code)
			var env response.Envelope
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestRespondError_InternalErrorHidesCause(t *testing.T) {
	c, w := testContext("/")
	respondError(c, errors.New("pq: password authentication failed"), "failed to load quote")

	assert.NotContains(t, w.Body.String(), "password")
	assert.Contains(t, w.Body.String(), "failed to load quote")
}

func TestRespondError_RateLimitCarriesRetryAfter(t *testing.T) {
	c, w := testContext("/")
	err := fmt.Errorf("pipeline: %w", &usage.RateLimitError{
		TenantID:      uuid.New(),
		Operation:     "inspection_pipeline",
		CorrelationID: "insp-corr-7",
		CurrentCount:  11,
		Limit:         10,
		WindowMs:      60000,
		RetryAfterMs:  2500,
	})

	respondError(c, err, "unused")

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3", w.Header().Get("Retry-After"))

	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "RATE_LIMITED", env.Error.Code)
	assert.Equal(t, "inspection_pipeline", env.Error.Details["operation"])
	assert.Equal(t, float64(10), env.Error.Details["limit"])
	assert.Equal(t, float64(2500), env.Error.Details["retry_after_ms"])
	assert.Equal(t, "insp-corr-7", env.Error.Details["correlation_id"])
}

func TestRespondError_RateLimitFallsBackToRequestCorrelation(t *testing.T) {
	c, w := testContext("/")
	c.Set("correlation_id", "req-corr-1")

	respondError(c, &usage.RateLimitError{Operation: "ai_pricing", Limit: 1, RetryAfterMs: 100}, "unused")

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	var env struct {
		Error struct {
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "req-corr-1", env.Error.Details["correlation_id"])
}

func TestQueryLimit(t *testing.T) {
	tests := map[string]int{
		"/":           defaultListLimit,
		"/?limit=10":  10,
		"/?limit=0":   defaultListLimit,
		"/?limit=-3":  defaultListLimit,
		"/?limit=abc": defaultListLimit,
		"/?limit=999": maxListLimit,
	}
	for target, want := range tests {
		c, _ := testContext(target)
		assert.Equal(t, want, queryLimit(c), target)
	}
}

func TestActorFrom(t *testing.T) {
	c, _ := testContext("/")
	assert.Equal(t, "api", actorFrom(c))

	userID := uuid.New()
	c.Set("user_id", userID)
	assert.Equal(t, userID.String(), actorFrom(c))
}

func TestPathUUID_RejectsMalformed(t *testing.T) {
	c, w := testContext("/")
	c.Params = gin.Params{{Key: "quote_id", Value: "42"}}

	_, ok := pathUUID(c, "quote_id")

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid quote_id format")
}
