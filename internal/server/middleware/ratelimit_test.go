package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimit_AllowsWithinBurst(t *testing.T) {
	handler := RateLimit(1, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/jobs", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimit_RejectsBeyondBurst(t *testing.T) {
	handler := RateLimit(0.001, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, httptest.NewRequest("POST", "/jobs", nil))
	assert.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest("POST", "/jobs", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &response))
	assert.Equal(t, "RATE_LIMITED", response.Error.Code)
}

func TestNodeRateLimit_TracksPerNode(t *testing.T) {
	handler := NodeRateLimit(0.001, 1, func(r *http.Request) string {
		return r.URL.Query().Get("node")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, httptest.NewRequest("POST", "/nodes/ping?node=a", nil))
	assert.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest("POST", "/nodes/ping?node=b", nil))
	assert.Equal(t, http.StatusOK, rec2.Code, "a different node must have its own budget")

	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, httptest.NewRequest("POST", "/nodes/ping?node=a", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec3.Code, "node a already spent its burst")
}

func TestNodeRateLimit_EmptyNodeIDBypassesLimiter(t *testing.T) {
	handler := NodeRateLimit(0.001, 1, func(r *http.Request) string {
		return ""
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/nodes/ping", strings.NewReader("{}")))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
