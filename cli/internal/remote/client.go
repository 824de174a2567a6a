package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/zhaobenny/haikugate/cli/internal/config"
	"github.com/zhaobenny/haikugate/internal/model"
)

// Client talks to a haikugate server
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
}

// GenerateRequest is the body of POST /api/haikus/generate
type GenerateRequest struct {
	SourceID string `json:"source_id"`
	ForceNew bool   `json:"force_new"`
	Explain  bool   `json:"explain"`
}

// GenerateResponse is a served artifact
type GenerateResponse struct {
	model.Result
	Degraded  bool   `json:"degraded"`
	Message   string `json:"message,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
}

// Quota is the server's view of the caller's generation budget
type Quota struct {
	Error     string     `json:"error,omitempty"`
	Remaining int        `json:"remaining"`
	Limit     int        `json:"limit"`
	ResetAt   *time.Time `json:"reset_at"`
	Window    string     `json:"window"`
}

// QuotaError is returned when the server denies a generation
type QuotaError struct {
	Quota
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	msg := fmt.Sprintf("generation quota exceeded (%s window, %d/%d left)", e.Window, e.Remaining, e.Limit)
	if e.ResetAt != nil {
		msg += ", resets at " + e.ResetAt.Local().Format(time.RFC1123)
	}
	return msg
}

// StatusError is any other non-2xx response
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// NewClient creates a new client
func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			// Server-side retries can take a while
			Timeout: 90 * time.Second,
		},
	}
}

// Generate asks the server for an artifact
func (c *Client) Generate(ctx context.Context, req GenerateRequest, lang string) (*GenerateResponse, error) {
	var out GenerateResponse
	if err := c.do(ctx, http.MethodPost, "/api/haikus/generate", langQuery(lang), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RateLimit returns the remaining generation quota
func (c *Client) RateLimit(ctx context.Context) (*Quota, error) {
	var out Quota
	if err := c.do(ctx, http.MethodGet, "/api/haikus/rate-limit", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Exists reports how many artifacts the server stores for a source item
func (c *Client) Exists(ctx context.Context, sourceID, lang string) (int, error) {
	var out struct {
		Exists bool `json:"exists"`
		Count  int  `json:"count"`
	}
	path := "/api/haikus/" + url.PathEscape(sourceID) + "/exists"
	if err := c.do(ctx, http.MethodGet, path, langQuery(lang), nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Export downloads the server's artifact document
func (c *Client) Export(ctx context.Context) ([]byte, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/export", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func langQuery(lang string) url.Values {
	if lang == "" {
		return nil
	}
	return url.Values{"lang": {lang}}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.cfg.Server + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	if c.cfg.ClientID != "" {
		req.Header.Set("X-Client-ID", c.cfg.ClientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		qe := &QuotaError{}
		if err := json.NewDecoder(resp.Body).Decode(&qe.Quota); err != nil {
			return &StatusError{StatusCode: resp.StatusCode, Message: "too many requests"}
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			qe.RetryAfter = time.Duration(secs) * time.Second
		}
		return qe
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage extracts {"error": ...} or falls back to the raw body
func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return string(bytes.TrimSpace(data))
}

// IsQuotaError reports whether err is a quota denial
func IsQuotaError(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}
