package oauth

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signedTestJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(claims)).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func newTestGuard(t *testing.T) (*Guard, *fakeProvider) {
	t.Helper()
	provider := newFakeProvider(t)
	client := NewClient(provider.config(), WithHTTPClient(provider.Client()))
	return NewGuard(client, nil, testLogger()), provider
}

func TestGuard_ResolveCachesOpaqueToken(t *testing.T) {
	guard, provider := newTestGuard(t)
	ctx := context.Background()

	user, err := guard.Resolve(ctx, testAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", user["email"])

	_, err = guard.Resolve(ctx, testAccessToken)
	require.NoError(t, err)
	assert.Equal(t, int32(1), provider.userInfoCalls.Load())
	assert.Equal(t, 1, guard.Len())
}

func TestGuard_CacheEntryExpires(t *testing.T) {
	guard, provider := newTestGuard(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	guard.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := guard.Resolve(ctx, testAccessToken)
	require.NoError(t, err)

	now = now.Add(DefaultTokenCacheTTL + time.Second)
	_, err = guard.Resolve(ctx, testAccessToken)
	require.NoError(t, err)
	assert.Equal(t, int32(2), provider.userInfoCalls.Load())
}

func TestGuard_RejectedTokenIsNotCached(t *testing.T) {
	guard, provider := newTestGuard(t)
	ctx := context.Background()

	_, err := guard.Resolve(ctx, "wrong-token")
	require.Error(t, err)
	_, err = guard.Resolve(ctx, "wrong-token")
	require.Error(t, err)

	assert.Equal(t, int32(2), provider.userInfoCalls.Load())
	assert.Equal(t, 0, guard.Len())
}

func TestGuard_RejectsTokensWithoutUserInfoEndpoint(t *testing.T) {
	provider := newFakeProvider(t)
	cfg := provider.config()
	cfg.UserInfoEndpoint = ""
	guard := NewGuard(NewClient(cfg, WithHTTPClient(provider.Client())), nil, testLogger())

	user, err := guard.Resolve(context.Background(), "forged")
	assert.ErrorIs(t, err, ErrNoUserInfoEndpoint)
	assert.Nil(t, user)
	assert.Equal(t, 0, guard.Len())

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})
	req := httptest.NewRequest(http.MethodPost, "http://mcp.example.com/mcp", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec := httptest.NewRecorder()
	guard.Middleware(PathProtectedResourceMeta)(next).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("opaque token uses ttl", func(t *testing.T) {
		assert.Equal(t, now.Add(time.Minute), tokenExpiry("opaque", now, time.Minute))
	})

	t.Run("jwt uses exp claim", func(t *testing.T) {
		exp := now.Add(30 * time.Minute)
		token := signedTestJWT(t, map[string]any{"exp": exp.Unix()})
		assert.True(t, exp.Equal(tokenExpiry(token, now, time.Minute)))
	})
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		wantOK bool
	}{
		{name: "valid", header: "Bearer abc", want: "abc", wantOK: true},
		{name: "case insensitive scheme", header: "bearer abc", want: "abc", wantOK: true},
		{name: "missing", header: "", wantOK: false},
		{name: "basic auth", header: "Basic dXNlcjpwYXNz", wantOK: false},
		{name: "empty token", header: "Bearer  ", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, ok := BearerToken(req)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGuard_Middleware(t *testing.T) {
	guard, _ := newTestGuard(t)

	var seen map[string]any
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := guard.Middleware(PathProtectedResourceMeta)(next)

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "http://mcp.example.com/mcp", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t,
			`Bearer resource_metadata="http://mcp.example.com/.well-known/oauth-protected-resource"`,
			rec.Header().Get("WWW-Authenticate"))
		resp := decodeError(t, rec)
		assert.Equal(t, CodeInvalidToken, resp.Error)
		assert.Equal(t, "Authorization header required", resp.ErrorDescription)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "http://mcp.example.com/mcp", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
		assert.Equal(t, "Invalid token", decodeError(t, rec).ErrorDescription)
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "http://mcp.example.com/mcp", nil)
		req.Header.Set("Authorization", "Bearer "+testAccessToken)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "user-1", seen["sub"])
	})
}

func TestGuard_AuditsRejectedTokens(t *testing.T) {
	provider := newFakeProvider(t)
	client := NewClient(provider.config(), WithHTTPClient(provider.Client()))

	var buf bytes.Buffer
	audit := NewAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	guard := NewGuard(client, audit, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	guard.Middleware(PathProtectedResourceMeta)(http.NotFoundHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, buf.String(), string(AuditEventInvalidToken))
	assert.NotContains(t, buf.String(), "nope")
}
