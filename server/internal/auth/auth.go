package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhaobenny/haikugate/server/internal/database"
)

type contextKey string

const (
	apiKeyKey  contextKey = "apiKey"
	sessionKey string     = "quotaSubject"
)

// KeyPrefix marks keys issued by GenerateAPIKey
const KeyPrefix = "hk_"

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a password with a hash
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// GenerateAPIKey generates a random API key
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return KeyPrefix + hex.EncodeToString(bytes), nil
}

// KeyStore looks up issued API keys
type KeyStore interface {
	GetAPIKey(key string) (*database.APIKey, error)
	TouchAPIKey(key string, at time.Time) error
}

// Middleware authenticates API callers and admins
type Middleware struct {
	keys       KeyStore
	staticKeys []string
	adminHash  string
	sessionMgr *scs.SessionManager
	logger     *slog.Logger
}

// NewMiddleware creates a new auth middleware. staticKeys are accepted in
// addition to the keys in the store; adminHash is a bcrypt hash of the
// admin token, empty to disable admin routes.
func NewMiddleware(keys KeyStore, staticKeys []string, adminHash string, sessionMgr *scs.SessionManager, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{
		keys:       keys,
		staticKeys: staticKeys,
		adminHash:  adminHash,
		sessionMgr: sessionMgr,
		logger:     logger,
	}
}

// bearer returns the API key from X-API-Key or Authorization: Bearer
func bearer(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (m *Middleware) validKey(key string) bool {
	for _, k := range m.staticKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	if m.keys == nil {
		return false
	}
	stored, err := m.keys.GetAPIKey(key)
	if err != nil {
		m.logger.Error("api key lookup failed", "error", err)
		return false
	}
	if stored == nil {
		return false
	}
	if err := m.keys.TouchAPIKey(key, time.Now()); err != nil {
		m.logger.Warn("api key touch failed", "error", err)
	}
	return true
}

// RequireAPIKey middleware requires a valid API key
func (m *Middleware) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := bearer(r)
		if apiKey == "" {
			http.Error(w, "API key required", http.StatusUnauthorized)
			return
		}
		if !m.validKey(apiKey) {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), apiKeyKey, apiKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin middleware requires the admin token as a bearer credential
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.adminHash == "" {
			http.Error(w, "Admin access disabled", http.StatusForbidden)
			return
		}
		token := bearer(r)
		if token == "" || !CheckPassword(token, m.adminHash) {
			http.Error(w, "Invalid admin token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetAPIKey returns the authenticated API key from context
func GetAPIKey(ctx context.Context) string {
	if key, ok := ctx.Value(apiKeyKey).(string); ok {
		return key
	}
	return ""
}

// SessionSubject returns the session's quota subject, creating one on
// first use. Requires the session manager's LoadAndSave middleware.
func (m *Middleware) SessionSubject(ctx context.Context) string {
	if m.sessionMgr == nil {
		return ""
	}
	id := m.sessionMgr.GetString(ctx, sessionKey)
	if id == "" {
		id = uuid.NewString()
		m.sessionMgr.Put(ctx, sessionKey, id)
	}
	return id
}
