package oauth

import (
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/teemow/obsidian-mcp/internal/logging"
	"github.com/teemow/obsidian-mcp/internal/router"
)

// maxRegistrationBody bounds the client registration request body.
const maxRegistrationBody = 64 << 10

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Authentication Successful</title>
</head>
<body>
<h1>Authentication Successful</h1>
<p>Signed in{{if .User}} as {{.User}}{{end}}. You can close this window and return to your application.</p>
</body>
</html>
`))

// Handler serves the OAuth endpoints on top of a Flow.
type Handler struct {
	flow         *Flow
	guard        *Guard
	resourcePath string
	logger       *slog.Logger
}

// NewHandler creates the HTTP surface for flow. resourcePath is the
// protocol path advertised as the protected resource.
func NewHandler(flow *Flow, guard *Guard, resourcePath string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if guard == nil {
		guard = NewGuard(flow.Client(), flow.Audit(), logger)
	}
	return &Handler{
		flow:         flow,
		guard:        guard,
		resourcePath: resourcePath,
		logger:       logging.WithComponent(logger, "oauth_http"),
	}
}

// Guard returns the bearer guard shared with the protocol endpoint.
func (h *Handler) Guard() *Guard {
	return h.guard
}

// Register adds the OAuth routes to rt.
func (h *Handler) Register(rt *router.Router) {
	rt.Handle(PathAuthorize, h.ServeAuthorize, http.MethodGet)
	rt.Handle(PathCallback, h.ServeCallback, http.MethodGet)
	rt.Handle(PathToken, h.ServeToken, http.MethodGet)
	rt.Handle(PathAuthorizationServerMeta, h.ServeAuthorizationServerMetadata, http.MethodGet)
	rt.Handle(PathProtectedResourceMeta, h.ServeProtectedResourceMetadata, http.MethodGet)
	rt.Handle(PathJWKS, h.ServeJWKS, http.MethodGet)
	rt.Handle(PathUserInfo, h.ServeUserInfo, http.MethodGet)
	rt.Handle(PathClientRegistration, h.ServeClientRegistration, http.MethodPost)
}

// ServeAuthorize starts the authorization-code flow.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) error {
	params := AuthorizeParamsFromQuery(r.URL.Query())
	target, err := h.flow.Authorize(r.Context(), params, clientIP(r))
	if err != nil {
		return err
	}
	setSecurityHeaders(w, r)
	http.Redirect(w, r, target, http.StatusFound)
	return nil
}

// ServeCallback consumes the provider callback and redirects back to the
// original caller, or renders a confirmation page when none is known.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) error {
	outcome, err := h.flow.Callback(r.Context(), r.URL.Query())
	if err != nil {
		return err
	}

	setSecurityHeaders(w, r)
	if outcome.RedirectURL != "" {
		http.Redirect(w, r, outcome.RedirectURL, http.StatusFound)
		return nil
	}

	var buf strings.Builder
	if err := callbackPage.Execute(&buf, struct{ User string }{User: displayName(outcome.Token.User)}); err != nil {
		return router.Internal(err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, buf.String())
	return nil
}

// ServeToken hands out the completed token for a state exactly once.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) error {
	token, err := h.flow.Retrieve(r.Context(), r.URL.Query().Get("state"), clientIP(r))
	if err != nil {
		return err
	}
	setSecurityHeaders(w, r)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	router.WriteJSON(w, http.StatusOK, token)
	return nil
}

// ServeAuthorizationServerMetadata serves the RFC 8414 discovery document.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) error {
	setSecurityHeaders(w, r)
	router.WriteJSON(w, http.StatusOK, NewAuthorizationServerMetadata(BaseURL(r), h.flow.Config().Scopes()))
	return nil
}

// ServeProtectedResourceMetadata serves the OAuth 2.0 Protected Resource Metadata (RFC 9728).
// It points MCP clients at this server as the authorization server.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) error {
	base := BaseURL(r)
	metadata := ProtectedResourceMetadata{
		Resource:               base + h.resourcePath,
		AuthorizationServers:   []string{base},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.flow.Config().Scopes(),
	}
	setSecurityHeaders(w, r)
	router.WriteJSON(w, http.StatusOK, metadata)
	return nil
}

// ServeJWKS serves an empty key set.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) error {
	setSecurityHeaders(w, r)
	router.WriteJSON(w, http.StatusOK, JWKS{Keys: []map[string]any{}})
	return nil
}

// ServeUserInfo proxies the provider's userinfo endpoint for the bearer
// token on the request.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) error {
	token, ok := BearerToken(r)
	if !ok {
		return ErrInvalidToken("Authorization header required")
	}

	user, err := h.guard.Resolve(r.Context(), token)
	if err != nil {
		if errors.Is(err, ErrNoUserInfoEndpoint) {
			return router.Internal(err)
		}
		var upstream *UpstreamError
		if errors.As(err, &upstream) && upstream.Status == 0 {
			return router.Upstream("Failed to fetch user info", err)
		}
		h.flow.Audit().LogInvalidToken(clientIP(r), err.Error())
		return ErrInvalidToken("Invalid token")
	}

	setSecurityHeaders(w, r)
	router.WriteJSON(w, http.StatusOK, user)
	return nil
}

// ServeClientRegistration answers RFC 7591 registration with the configured
// static client credentials.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) error {
	cfg := h.flow.Config()
	if !cfg.HasCredentials() {
		h.logger.Error("Client registration requested without configured credentials")
		return ErrCredentialsNotConfigured()
	}

	var req ClientRegistrationRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRegistrationBody))
	if err != nil {
		return ErrInvalidRequest("Failed to read request body")
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return ErrInvalidRequest("Request body must be a JSON object")
		}
	}

	redirectURIs := req.RedirectURIs
	if redirectURIs == nil {
		redirectURIs = []string{}
	}
	for _, uri := range redirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return ErrInvalidRequest(err.Error())
		}
	}

	resp := ClientRegistrationResponse{
		ClientID:                cfg.ClientID,
		ClientSecret:            cfg.ClientSecret,
		ClientIDIssuedAt:        h.flow.store.Now().Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            redirectURIs,
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "client_secret_post",
	}

	h.flow.Audit().LogClientRegistered(cfg.ClientID, clientIP(r), len(redirectURIs))
	setSecurityHeaders(w, r)
	w.Header().Set("Cache-Control", "no-store")
	router.WriteJSON(w, http.StatusCreated, resp)
	return nil
}

// setSecurityHeaders sets security headers on HTTP responses
func setSecurityHeaders(w http.ResponseWriter, r *http.Request) {
	// Prevent clickjacking attacks
	w.Header().Set("X-Frame-Options", "DENY")

	// Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// Content Security Policy - restrict resource loading
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	// Referrer policy - don't leak the state or code in redirects
	w.Header().Set("Referrer-Policy", "no-referrer")

	if strings.HasPrefix(BaseURL(r), "https://") {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

func displayName(user map[string]any) string {
	for _, key := range []string{"email", "name", "preferred_username", "login"} {
		if v, ok := user[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// clientIP returns the remote address without its port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
