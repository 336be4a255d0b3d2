package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teemow/obsidian-mcp/internal/router"
	"github.com/teemow/obsidian-mcp/internal/store"
)

const (
	testClientID     = "client-1"
	testClientSecret = "secret-1"
	testAccessToken  = "access-123"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeProvider is an upstream identity provider with token, userinfo and
// discovery endpoints.
type fakeProvider struct {
	*httptest.Server

	mu             sync.Mutex
	tokenStatus    int
	expiresIn      int
	userInfoStatus int
	omitUserInfo   bool
	lastTokenForm  map[string][]string

	tokenCalls    atomic.Int32
	userInfoCalls atomic.Int32
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{
		tokenStatus:    http.StatusOK,
		expiresIn:      3600,
		userInfoStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		p.tokenCalls.Add(1)
		_ = r.ParseForm()

		p.mu.Lock()
		p.lastTokenForm = r.PostForm
		status := p.tokenStatus
		expiresIn := p.expiresIn
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  testAccessToken,
			"token_type":    "Bearer",
			"expires_in":    expiresIn,
			"refresh_token": "refresh-456",
			"scope":         "openid email",
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		p.userInfoCalls.Add(1)

		p.mu.Lock()
		status := p.userInfoStatus
		p.mu.Unlock()

		if status != http.StatusOK || r.Header.Get("Authorization") != "Bearer "+testAccessToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":   "user-1",
			"email": "jane@example.com",
			"name":  "Jane",
		})
	})
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		doc := map[string]any{
			"issuer":                 p.URL,
			"authorization_endpoint": p.URL + "/authorize",
			"token_endpoint":         p.URL + "/token",
			"userinfo_endpoint":      p.URL + "/userinfo",
			"jwks_uri":               p.URL + "/jwks",
		}
		p.mu.Lock()
		if p.omitUserInfo {
			delete(doc, "userinfo_endpoint")
		}
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)
	return p
}

func (p *fakeProvider) setTokenStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStatus = status
}

func (p *fakeProvider) setExpiresIn(seconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiresIn = seconds
}

func (p *fakeProvider) tokenForm() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTokenForm
}

func (p *fakeProvider) config() Config {
	return Config{
		Enabled:               true,
		Provider:              ProviderGeneric,
		ClientID:              testClientID,
		ClientSecret:          testClientSecret,
		Issuer:                p.URL,
		Scope:                 "openid email",
		RedirectURI:           "http://localhost:8765/auth/callback",
		AuthorizationEndpoint: p.URL + "/authorize",
		TokenEndpoint:         p.URL + "/token",
		UserInfoEndpoint:      p.URL + "/userinfo",
		ProviderTimeout:       2 * time.Second,
	}
}

type testEnv struct {
	provider *fakeProvider
	clock    *fakeClock
	store    *store.Store
	flow     *Flow
	handler  *Handler
	router   *router.Router
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	provider := newFakeProvider(t)
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "records.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := provider.config()
	for _, m := range mutate {
		m(&cfg)
	}

	client := NewClient(cfg, WithHTTPClient(provider.Client()))
	flow := NewFlow(cfg, st, client)
	handler := NewHandler(flow, nil, "/mcp", nil)
	rt := router.New(nil)
	handler.Register(rt)

	return &testEnv{
		provider: provider,
		clock:    clock,
		store:    st,
		flow:     flow,
		handler:  handler,
		router:   rt,
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) router.ErrorResponse {
	t.Helper()
	var resp router.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}
