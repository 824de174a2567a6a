package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaobenny/haikugate/cli/internal/config"
	"github.com/zhaobenny/haikugate/internal/model"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(&config.Config{Server: srv.URL, APIKey: "hk_test", ClientID: "cli-1"})
}

func TestGenerate(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/haikus/generate", r.URL.Path)
		assert.Equal(t, "en", r.URL.Query().Get("lang"))
		assert.Equal(t, "hk_test", r.Header.Get("X-API-Key"))
		assert.Equal(t, "cli-1", r.Header.Get("X-Client-ID"))

		var req GenerateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, GenerateRequest{SourceID: "c1", ForceNew: true}, req)

		json.NewEncoder(w).Encode(map[string]any{
			"source_id":     "c1",
			"haiku_text":    "a\nb\nc",
			"language":      "en",
			"model":         "claude-3-haiku-20240307",
			"was_generated": true,
			"provenance":    "generated",
			"degraded":      false,
			"remaining":     4,
		})
	})

	resp, err := c.Generate(context.Background(), GenerateRequest{SourceID: "c1", ForceNew: true}, "en")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc", resp.Text)
	assert.Equal(t, model.ProvenanceGenerated, resp.Provenance)
	require.NotNil(t, resp.Remaining)
	assert.Equal(t, 4, *resp.Remaining)
}

func TestGenerateQuotaExceeded(t *testing.T) {
	reset := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(Quota{Error: "quota_exceeded", Limit: 10, ResetAt: &reset, Window: "daily"})
	})

	_, err := c.Generate(context.Background(), GenerateRequest{SourceID: "c1", ForceNew: true}, "")
	require.Error(t, err)
	assert.True(t, IsQuotaError(err))

	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 2*time.Minute, qe.RetryAfter)
	assert.Equal(t, "daily", qe.Window)
	assert.Contains(t, qe.Error(), "daily window")
}

func TestStatusErrors(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/export" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "Unknown source_id"})
	})

	_, err := c.Generate(context.Background(), GenerateRequest{SourceID: "zz"}, "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, "Unknown source_id", se.Message)

	_, err = c.Export(context.Background())
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "boom", se.Message)
	assert.False(t, IsQuotaError(err))
}

func TestRateLimitAndExists(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/haikus/rate-limit":
			json.NewEncoder(w).Encode(Quota{Remaining: 3, Limit: 5, Window: "per_caller"})
		case "/api/haikus/c%201/exists", "/api/haikus/c 1/exists":
			json.NewEncoder(w).Encode(map[string]any{"exists": true, "count": 2})
		default:
			http.NotFound(w, r)
		}
	})

	q, err := c.RateLimit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, q.Remaining)

	n, err := c.Exists(context.Background(), "c 1", "fr")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
