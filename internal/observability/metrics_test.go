package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.QuotaDecision("daily", false)
		m.QuotaDebit("daily")
		m.GenerationAttempt("ok")
		m.GenerationFailed("timeout")
		m.Usage(1, 2, 0.1)
		m.Obtain("served")
		m.StoreWrite(true)
		m.HTTPRequest("/x", 200)
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.QuotaDecision("daily", true)
	m.QuotaDecision("daily", false)
	m.QuotaDecision("daily", false)
	m.Usage(10, 20, 0.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.quotaDecisions.WithLabelValues("daily", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quotaDecisions.WithLabelValues("daily", "allowed")))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.tokens.WithLabelValues("output")))
	assert.InDelta(t, 0.5, testutil.ToFloat64(m.costUSD), 1e-9)
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Obtain("generated")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `haikugate_orchestrator_outcomes_total{state="generated"} 1`))
}
