package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/teemow/obsidian-mcp/internal/logging"
	"github.com/teemow/obsidian-mcp/internal/router"
)

const (
	// DefaultTokenCacheTTL is how long an opaque token's user info is cached.
	DefaultTokenCacheTTL = 5 * time.Minute

	// maxCachedTokens caps the cache; expired entries are pruned first.
	maxCachedTokens = 4096
)

// contextKey is the type for context keys
type contextKey string

// userContextKey stores the resolved user claims in the request context
const userContextKey contextKey = "oauth_user"

// UserFromContext returns the claims of the authenticated caller.
func UserFromContext(ctx context.Context) (map[string]any, bool) {
	user, ok := ctx.Value(userContextKey).(map[string]any)
	return user, ok
}

// ContextWithUser stores user claims in ctx.
func ContextWithUser(ctx context.Context, user map[string]any) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

type cachedUser struct {
	user      map[string]any
	expiresAt time.Time
}

// Guard authenticates bearer tokens against the provider's userinfo
// endpoint. Each token is resolved once and cached for its lifetime, keyed
// by a hash of the token.
type Guard struct {
	client *Client
	audit  *AuditLogger
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedUser
}

// NewGuard creates a Guard resolving tokens through client.
func NewGuard(client *Client, audit *AuditLogger, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		client: client,
		audit:  audit,
		logger: logging.WithComponent(logger, "bearer_guard"),
		ttl:    DefaultTokenCacheTTL,
		now:    time.Now,
		cache:  make(map[string]cachedUser),
	}
}

// Resolve returns the user claims for token, calling the provider at most
// once per token lifetime.
func (g *Guard) Resolve(ctx context.Context, token string) (map[string]any, error) {
	key := tokenKey(token)
	now := g.now()

	g.mu.Lock()
	if entry, ok := g.cache[key]; ok {
		if now.Before(entry.expiresAt) {
			g.mu.Unlock()
			return entry.user, nil
		}
		delete(g.cache, key)
	}
	g.mu.Unlock()

	user, err := g.client.UserInfo(ctx, token)
	if err != nil {
		return nil, err
	}
	if user == nil {
		user = map[string]any{}
	}

	expiresAt := tokenExpiry(token, now, g.ttl)
	if !now.Before(expiresAt) {
		return user, nil
	}

	g.mu.Lock()
	if len(g.cache) >= maxCachedTokens {
		g.pruneLocked(now)
	}
	g.cache[key] = cachedUser{user: user, expiresAt: expiresAt}
	g.mu.Unlock()
	return user, nil
}

// Len returns the number of cached tokens.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cache)
}

func (g *Guard) pruneLocked(now time.Time) {
	for key, entry := range g.cache {
		if !now.Before(entry.expiresAt) {
			delete(g.cache, key)
		}
	}
	// Still full: drop arbitrary entries, they are only a cache.
	for key := range g.cache {
		if len(g.cache) < maxCachedTokens {
			break
		}
		delete(g.cache, key)
	}
}

// Middleware rejects requests without a valid bearer token with 401 and a
// WWW-Authenticate header pointing at resourceMetadata. Authenticated
// requests carry the user claims in their context.
func (g *Guard) Middleware(resourceMetadataPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metadataURL := BaseURL(r) + resourceMetadataPath

			token, ok := BearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer resource_metadata="%s"`, metadataURL))
				router.WriteError(w, ErrInvalidToken("Authorization header required"))
				return
			}

			user, err := g.Resolve(r.Context(), token)
			if err != nil {
				g.logger.Debug("Bearer token rejected",
					slog.String("token", logging.SanitizeToken(token)),
					logging.Err(err))
				g.audit.LogInvalidToken(clientIP(r), err.Error())
				w.Header().Set("WWW-Authenticate", fmt.Sprintf(
					`Bearer resource_metadata="%s", error="invalid_token", error_description="Invalid token"`,
					metadataURL,
				))
				router.WriteError(w, ErrInvalidToken("Invalid token"))
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
		})
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// tokenExpiry uses the exp claim when the token is a JWT and falls back to
// now+ttl for opaque tokens.
func tokenExpiry(token string, now time.Time, ttl time.Duration) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return now.Add(ttl)
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
