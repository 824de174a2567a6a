package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "haikugate"

// Metrics holds the Prometheus collectors shared by the core packages.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	quotaDecisions *prometheus.CounterVec
	quotaDebits    *prometheus.CounterVec

	genAttempts *prometheus.CounterVec
	genErrors   *prometheus.CounterVec
	genLatency  *prometheus.HistogramVec
	tokens      *prometheus.CounterVec
	costUSD     prometheus.Counter

	obtains     *prometheus.CounterVec
	storeWrites *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		quotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "decisions_total",
			Help:      "Quota admission decisions by window and outcome.",
		}, []string{"window", "outcome"}),
		quotaDebits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "debits_total",
			Help:      "Consumption events recorded per window.",
		}, []string{"window"}),
		genAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "attempts_total",
			Help:      "Upstream generation attempts by outcome.",
		}, []string{"outcome"}),
		genErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "errors_total",
			Help:      "Classified generation failures returned to callers.",
		}, []string{"kind"}),
		genLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "duration_seconds",
			Help:      "Wall time of Generate including retries.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "tokens_total",
			Help:      "Tokens consumed by successful calls.",
		}, []string{"direction"}),
		costUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "cost_usd_total",
			Help:      "Estimated spend of successful calls in USD.",
		}),
		obtains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "outcomes_total",
			Help:      "Artifact requests by final state.",
		}, []string{"state"}),
		storeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Artifact document writes by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}

	if reg != nil {
		m.registry = reg
		reg.MustRegister(
			m.quotaDecisions, m.quotaDebits,
			m.genAttempts, m.genErrors, m.genLatency, m.tokens, m.costUSD,
			m.obtains, m.storeWrites, m.httpRequests,
		)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// QuotaDecision counts an admission decision
func (m *Metrics) QuotaDecision(window string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.quotaDecisions.WithLabelValues(window, outcome).Inc()
}

// QuotaDebit counts a recorded consumption event
func (m *Metrics) QuotaDebit(window string) {
	if m == nil {
		return
	}
	m.quotaDebits.WithLabelValues(window).Inc()
}

// GenerationAttempt counts one upstream call; outcome is "ok" or an error kind
func (m *Metrics) GenerationAttempt(outcome string) {
	if m == nil {
		return
	}
	m.genAttempts.WithLabelValues(outcome).Inc()
}

// GenerationFailed counts a failure surfaced to the caller
func (m *Metrics) GenerationFailed(kind string) {
	if m == nil {
		return
	}
	m.genErrors.WithLabelValues(kind).Inc()
}

// GenerationDuration observes the total time spent in Generate
func (m *Metrics) GenerationDuration(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.genLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// Usage adds tokens and cost of a successful call
func (m *Metrics) Usage(inputTokens, outputTokens int64, costUSD float64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("input").Add(float64(inputTokens))
	m.tokens.WithLabelValues("output").Add(float64(outputTokens))
	m.costUSD.Add(costUSD)
}

// Obtain counts a finished orchestrator request
func (m *Metrics) Obtain(state string) {
	if m == nil {
		return
	}
	m.obtains.WithLabelValues(state).Inc()
}

// StoreWrite counts a document write
func (m *Metrics) StoreWrite(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.storeWrites.WithLabelValues(result).Inc()
}

// HTTPRequest counts a served HTTP request
func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, http.StatusText(code)).Inc()
}
