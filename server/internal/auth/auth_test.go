package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaobenny/haikugate/server/internal/database"
)

type memKeys struct {
	mu      sync.Mutex
	keys    map[string]*database.APIKey
	touched int
}

func (m *memKeys) GetAPIKey(key string) (*database.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys[key], nil
}

func (m *memKeys) TouchAPIKey(string, time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched++
	return nil
}

func echoKey() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, GetAPIKey(r.Context()))
	})
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	require.NoError(t, err)
	b, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a, KeyPrefix))
	assert.Len(t, a, len(KeyPrefix)+64)
	assert.NotEqual(t, a, b)
}

func TestRequireAPIKey(t *testing.T) {
	store := &memKeys{keys: map[string]*database.APIKey{"hk_db": {Key: "hk_db", Name: "web"}}}
	m := NewMiddleware(store, []string{"hk_static"}, "", nil, nil)
	h := m.RequireAPIKey(echoKey())

	tests := []struct {
		name   string
		header string
		value  string
		code   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"unknown", "X-API-Key", "hk_other", http.StatusUnauthorized},
		{"stored key", "X-API-Key", "hk_db", http.StatusOK},
		{"static key", "X-API-Key", "hk_static", http.StatusOK},
		{"bearer", "Authorization", "Bearer hk_db", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, strings.TrimPrefix(tt.value, "Bearer "), rec.Body.String())
			}
		})
	}
	assert.Equal(t, 2, store.touched)
}

func TestRequireAdmin(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	do := func(m *Middleware, token string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		m.RequireAdmin(ok).ServeHTTP(rec, req)
		return rec.Code
	}

	m := NewMiddleware(nil, nil, hash, nil, nil)
	assert.Equal(t, http.StatusOK, do(m, "s3cret"))
	assert.Equal(t, http.StatusUnauthorized, do(m, "guess"))
	assert.Equal(t, http.StatusUnauthorized, do(m, ""))
	assert.Equal(t, http.StatusForbidden, do(NewMiddleware(nil, nil, "", nil, nil), "s3cret"))
}

func TestSessionSubjectIsSticky(t *testing.T) {
	sm := scs.New()
	m := NewMiddleware(nil, nil, "", sm, nil)
	h := sm.LoadAndSave(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, m.SessionSubject(r.Context()))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	first := rec.Body.String()
	require.NotEmpty(t, first)
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, first, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEqual(t, first, rec.Body.String())
}
