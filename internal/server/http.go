package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/obsidian-mcp/internal/instrumentation"
	"github.com/teemow/obsidian-mcp/internal/logging"
	"github.com/teemow/obsidian-mcp/internal/mcp/oauth"
	"github.com/teemow/obsidian-mcp/internal/router"
	"github.com/teemow/obsidian-mcp/internal/session"
)

// DefaultMCPPath is the protocol endpoint path.
const DefaultMCPPath = "/mcp"

// HTTPConfig configures the HTTP surface of the server.
type HTTPConfig struct {
	// MCPPath is the protocol endpoint. Defaults to DefaultMCPPath.
	MCPPath string

	// DisableStreaming turns off SSE responses on the protocol endpoint.
	DisableStreaming bool

	// DNSProtection guards against DNS rebinding. Health endpoints are exempt
	// so kubelet health checks can use the pod address.
	DNSProtection DNSProtection

	// OAuth serves the authorization endpoints and guards the protocol
	// endpoint. Nil disables authentication.
	OAuth *oauth.Handler

	// SessionLimiter throttles session creation per client. Nil allows all.
	SessionLimiter *session.CreationLimiter

	// Health serves the health check endpoints. Nil disables them.
	Health *HealthChecker
}

// HTTPServer serves the OAuth endpoints and the session-scoped protocol
// endpoint.
//
// Requests pass these stages in order: request logging, health endpoints,
// DNS-rebinding protection, the OAuth router, and finally the protocol
// endpoint behind the bearer guard and the session middleware. A request no
// stage handles gets a JSON 404.
type HTTPServer struct {
	handler    http.Handler
	mcpPath    string
	logger     *slog.Logger
	httpServer *http.Server
}

// NewHTTPServer composes the HTTP handler for mcpSrv. The server context
// must carry a session registry.
func NewHTTPServer(sc *ServerContext, mcpSrv *mcpserver.MCPServer, cfg HTTPConfig) (*HTTPServer, error) {
	if sc == nil || sc.Registry() == nil {
		return nil, errors.New("http server needs a server context with a session registry")
	}
	if mcpSrv == nil {
		return nil, errors.New("mcp server is required")
	}
	if cfg.MCPPath == "" {
		cfg.MCPPath = DefaultMCPPath
	}
	logger := logging.WithComponent(sc.Logger(), "http")
	registry := sc.Registry()

	opts := []mcpserver.StreamableHTTPOption{
		mcpserver.WithEndpointPath(cfg.MCPPath),
		mcpserver.WithSessionIdManager(registry),
	}
	if cfg.DisableStreaming {
		opts = append(opts, mcpserver.WithDisableStreaming(true))
	}
	var protocol http.Handler = mcpserver.NewStreamableHTTPServer(mcpSrv, opts...)
	protocol = registry.Middleware(cfg.SessionLimiter)(protocol)

	authRouter := router.New(sc.Logger())
	if cfg.OAuth != nil {
		cfg.OAuth.Register(authRouter)
		protocol = cfg.OAuth.Guard().Middleware(oauth.PathProtectedResourceMeta)(protocol)
	}

	protocolRouter := router.New(sc.Logger())
	protocolRouter.Handle(cfg.MCPPath, serveHandler(protocol),
		http.MethodGet, http.MethodPost, http.MethodDelete)

	healthRouter := router.New(sc.Logger())
	if cfg.Health != nil {
		cfg.Health.Register(healthRouter)
	}

	var handler http.Handler = protocolRouter
	handler = authRouter.Then(handler)
	handler = cfg.DNSProtection.Middleware(logger)(handler)
	handler = healthRouter.Then(handler)

	var known []string
	for _, rt := range []*router.Router{healthRouter, authRouter, protocolRouter} {
		for _, info := range rt.Routes() {
			known = append(known, info.Path)
		}
	}
	handler = logRequests(logger, sc.Metrics(), known)(handler)

	return &HTTPServer{
		handler: handler,
		mcpPath: cfg.MCPPath,
		logger:  logger,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}, nil
}

// Handler returns the composed handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// MCPPath returns the protocol endpoint path.
func (s *HTTPServer) MCPPath() string {
	return s.mcpPath
}

// Start listens on addr and serves until Shutdown.
func (s *HTTPServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. A Shutdown that happens first makes
// Serve return immediately.
func (s *HTTPServer) Serve(ln net.Listener) error {
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "mcp_path", s.mcpPath)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// logRequests logs every request once and records it in the HTTP metrics
// under its route, or "other" for unknown paths.
func logRequests(logger *slog.Logger, metrics *instrumentation.Metrics, known []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := router.NewStatusWriter(w)
			next.ServeHTTP(sw, r)

			status := sw.Status()
			if status == 0 {
				status = http.StatusOK
			}
			duration := time.Since(start)
			route := instrumentation.RouteLabel(r.URL.Path, known)
			metrics.RecordHTTPRequest(r.Context(), r.Method, route, status, duration)

			level := slog.LevelDebug
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "HTTP request",
				"method", r.Method,
				logging.Path(route),
				"status", status,
				slog.Duration(logging.KeyDuration, duration))
		})
	}
}
