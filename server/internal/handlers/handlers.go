package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhaobenny/haikugate/internal/app"
	"github.com/zhaobenny/haikugate/internal/artifact"
	"github.com/zhaobenny/haikugate/internal/ledger"
	"github.com/zhaobenny/haikugate/internal/model"
	"github.com/zhaobenny/haikugate/internal/orchestrator"
	"github.com/zhaobenny/haikugate/server/internal/auth"
	"github.com/zhaobenny/haikugate/server/internal/database"
)

const (
	// maxImportSize bounds POST /api/import bodies
	maxImportSize        = 32 << 20
	upstreamCheckTimeout = 10 * time.Second
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	app     *app.App
	db      *database.DB
	auth    *auth.Middleware
	flusher *FlushDebouncer
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a new Handler
func New(a *app.App, db *database.DB, authMw *auth.Middleware, flusher *FlushDebouncer) *Handler {
	return &Handler{
		app:     a,
		db:      db,
		auth:    authMw,
		flusher: flusher,
		logger:  a.Logger,
		now:     time.Now,
	}
}

// Routes registers every endpoint on a new mux
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	api := h.auth.RequireAPIKey
	admin := h.auth.RequireAdmin

	mux.Handle("POST /api/haikus/generate", api(http.HandlerFunc(h.Generate)))
	mux.Handle("GET /api/haikus/rate-limit", api(http.HandlerFunc(h.RateLimit)))
	mux.Handle("GET /api/haikus/{sourceID}", api(http.HandlerFunc(h.GetHaiku)))
	mux.Handle("GET /api/haikus/{sourceID}/exists", api(http.HandlerFunc(h.Exists)))
	mux.Handle("GET /api/stats", api(http.HandlerFunc(h.Stats)))
	mux.Handle("GET /api/export", api(http.HandlerFunc(h.Export)))
	mux.Handle("POST /api/import", admin(http.HandlerFunc(h.Import)))
	mux.Handle("POST /api/admin/quota/reset", admin(http.HandlerFunc(h.ResetQuota)))
	mux.Handle("GET /api/admin/usage", admin(http.HandlerFunc(h.Usage)))
	mux.HandleFunc("GET /healthz", h.Health)
	if h.app.Metrics != nil {
		mux.Handle("GET /metrics", h.app.Metrics.Handler())
	}
	return mux
}

// GenerateRequest is the body of POST /api/haikus/generate
type GenerateRequest struct {
	SourceID string `json:"source_id"`
	ForceNew bool   `json:"force_new"`
	// Explain asks for a message when a degraded artifact is served
	Explain bool `json:"explain"`
}

// GenerateResponse is a served artifact with its provenance
type GenerateResponse struct {
	model.Result
	Degraded  bool   `json:"degraded"`
	Message   string `json:"message,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
}

// QuotaResponse describes a quota state
type QuotaResponse struct {
	Error     string     `json:"error,omitempty"`
	Remaining int        `json:"remaining"`
	Limit     int        `json:"limit"`
	ResetAt   *time.Time `json:"reset_at"`
	Window    string     `json:"window"`
}

// Generate serves, generates or falls back for one source item
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	item, ok := h.app.Catalog.Get(req.SourceID)
	if !ok {
		h.jsonError(w, "Unknown source_id", http.StatusNotFound)
		return
	}

	oreq := orchestrator.Request{
		Source:   item,
		Language: language(r),
		ForceNew: req.ForceNew,
	}
	if req.ForceNew {
		oreq.Quota = h.app.Quota(app.Subjects{
			Session: h.sessionSubject(r),
			APIKey:  auth.GetAPIKey(r.Context()),
		})
	}

	out := h.app.Orchestrator.ObtainOrDegrade(r.Context(), oreq)
	if out.State == orchestrator.StateDenied {
		setRateLimitHeaders(w, out.Decision, h.now())
		h.writeJSON(w, http.StatusTooManyRequests, quotaResponse("quota_exceeded", out.Decision))
		return
	}

	resp := GenerateResponse{Result: out.Result, Degraded: out.Degraded}
	if req.ForceNew {
		setRateLimitHeaders(w, out.Decision, h.now())
		remaining := out.Decision.Remaining
		resp.Remaining = &remaining
	}
	if out.Degraded && req.Explain && out.Err != nil {
		resp.Message = out.Err.Message()
	}
	if out.State == orchestrator.StateGenerated {
		h.recordGeneration(r, out)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) recordGeneration(r *http.Request, out *orchestrator.Outcome) {
	if out.StorageErr != nil && h.flusher != nil {
		h.flusher.Schedule()
	}
	if h.db == nil || out.Usage == nil {
		return
	}
	err := h.db.InsertGeneration(&database.Generation{
		SourceID:     out.Result.SourceID,
		Language:     out.Result.Language,
		Model:        out.Result.Model,
		APIKey:       auth.GetAPIKey(r.Context()),
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		Cost:         out.Usage.EstimatedCostUSD,
		CreatedAt:    h.now(),
	})
	if err != nil {
		h.logger.Warn("failed to record generation", "source_id", out.Result.SourceID, "error", err)
	}
}

// sessionSubject prefers the CLI's stable client id over the cookie session
func (h *Handler) sessionSubject(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" && uuid.Validate(id) == nil {
		return "client:" + id
	}
	return h.auth.SessionSubject(r.Context())
}

// RateLimit reports the caller's remaining generation quota
func (h *Handler) RateLimit(w http.ResponseWriter, r *http.Request) {
	d := h.app.Quota(app.Subjects{APIKey: auth.GetAPIKey(r.Context())}).Check()
	setRateLimitHeaders(w, d, h.now())
	h.writeJSON(w, http.StatusOK, quotaResponse("", d))
}

// GetHaiku returns a stored artifact for a source item
func (h *Handler) GetHaiku(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("sourceID")
	lang := language(r)
	rec, ok := h.app.Store.GetWithMetadata(sourceID, lang)
	if !ok {
		h.jsonError(w, "No haiku stored for this source", http.StatusNotFound)
		return
	}

	res := model.Result{
		SourceID:   sourceID,
		Text:       rec.Text,
		Language:   lang,
		Model:      rec.Model,
		Author:     orchestrator.AuthorFor(rec.Model, lang),
		Provenance: model.ProvenanceCache,
	}
	if !rec.GeneratedAt.IsZero() {
		res.GeneratedAt = &rec.GeneratedAt
	}
	h.writeJSON(w, http.StatusOK, GenerateResponse{Result: res})
}

// Exists reports whether artifacts are stored for a source item
func (h *Handler) Exists(w http.ResponseWriter, r *http.Request) {
	n := h.app.Store.Count(r.PathValue("sourceID"), language(r))
	h.writeJSON(w, http.StatusOK, map[string]any{"exists": n > 0, "count": n})
}

// Stats returns artifact collection statistics
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.app.Store.Stats())
}

// Export returns the full artifact document
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	blob, err := h.app.Store.ExportAll()
	if err != nil {
		h.jsonError(w, "Failed to export", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="haikus.json"`)
	w.Write(blob)
}

// Import merges an exported document into the store
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxImportSize))
	if err != nil {
		h.jsonError(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	n, err := h.app.Store.ImportAll(blob)
	switch {
	case errors.Is(err, artifact.ErrInvalidDocument):
		h.jsonError(w, "Invalid export document", http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error("import failed", "error", err)
		if h.flusher != nil {
			h.flusher.Schedule()
		}
		h.jsonError(w, "Imported but not persisted", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

// ResetQuotaRequest is the body of POST /api/admin/quota/reset
type ResetQuotaRequest struct {
	Subject string `json:"subject"`
	// Window is empty to reset every window
	Window string `json:"window"`
}

// ResetQuota clears a subject's usage
func (h *Handler) ResetQuota(w http.ResponseWriter, r *http.Request) {
	var req ResetQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subject == "" {
		h.jsonError(w, "subject is required", http.StatusBadRequest)
		return
	}

	var ledgers []*ledger.Ledger
	if req.Window == "" {
		ledgers = []*ledger.Ledger{h.app.Session, h.app.Daily, h.app.PerKey}
	} else {
		l, ok := h.app.Ledger(ledger.Window(req.Window))
		if !ok {
			h.jsonError(w, "Unknown window", http.StatusBadRequest)
			return
		}
		ledgers = []*ledger.Ledger{l}
	}
	for _, l := range ledgers {
		l.Reset(req.Subject)
	}
	h.logger.Info("quota reset", "subject", req.Subject, "window", req.Window)
	w.WriteHeader(http.StatusNoContent)
}

// UsageResponse is daily and total generation usage
type UsageResponse struct {
	Days  []database.AggregatedUsage `json:"days"`
	Total *database.AggregatedUsage  `json:"total"`
}

// Usage reports recorded generation usage
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.jsonError(w, "Invalid days", http.StatusBadRequest)
			return
		}
		days = n
	}
	usage, err := h.db.GetUsageByDay(days)
	if err != nil {
		h.jsonError(w, "Failed to load usage", http.StatusInternalServerError)
		return
	}
	total, err := h.db.GetTotalUsage()
	if err != nil {
		h.jsonError(w, "Failed to load usage", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, UsageResponse{Days: usage, Total: total})
}

// Health handles the health check endpoint
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": "database unavailable"})
			return
		}
	}
	resp := map[string]any{
		"status":     "healthy",
		"generation": h.app.Orchestrator.CanGenerate(),
	}
	// ?upstream=1 spends one tiny provider call
	if r.URL.Query().Get("upstream") == "1" && h.app.Client != nil {
		ctx, cancel := context.WithTimeout(r.Context(), upstreamCheckTimeout)
		defer cancel()
		resp["upstream"] = h.app.Client.IsAvailable(ctx)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func quotaResponse(code string, d ledger.Decision) QuotaResponse {
	resp := QuotaResponse{
		Error:     code,
		Remaining: d.Remaining,
		Limit:     d.Limit,
		Window:    string(d.Window),
	}
	if !d.ResetAt.IsZero() {
		at := d.ResetAt.UTC()
		resp.ResetAt = &at
	}
	return resp
}

func setRateLimitHeaders(w http.ResponseWriter, d ledger.Decision, now time.Time) {
	if d.Remaining == ledger.Unlimited {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Allowed && !d.ResetAt.IsZero() {
		secs := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
}

// language picks the lang query parameter, then Accept-Language, then the default
func language(r *http.Request) string {
	candidates := []string{r.URL.Query().Get("lang")}
	for _, part := range strings.Split(r.Header.Get("Accept-Language"), ",") {
		tag, _, _ := strings.Cut(part, ";")
		candidates = append(candidates, tag)
	}
	for _, c := range candidates {
		if strings.TrimSpace(c) == "" {
			continue
		}
		if lang := orchestrator.NormalizeLanguage(c); orchestrator.IsSupported(lang) {
			return lang
		}
	}
	return orchestrator.DefaultLanguage
}
