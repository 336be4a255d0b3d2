package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teemow/obsidian-mcp/internal/instrumentation"
	"github.com/teemow/obsidian-mcp/internal/logging"
	"github.com/teemow/obsidian-mcp/internal/mcp/oauth"
	"github.com/teemow/obsidian-mcp/internal/server"
	"github.com/teemow/obsidian-mcp/internal/session"
	"github.com/teemow/obsidian-mcp/internal/store"
	"github.com/teemow/obsidian-mcp/internal/tools/vault_tools"
	"github.com/teemow/obsidian-mcp/internal/vault"
)

const (
	transportStdio          = "stdio"
	transportStreamableHTTP = "streamable-http"

	// serverName is the implementation name reported during initialize.
	serverName = "obsidian-mcp-server"

	shutdownTimeout = 30 * time.Second
)

// serveOptions holds the resolved settings of the serve command.
type serveOptions struct {
	debug            bool
	transport        string
	host             string
	port             string
	mcpPath          string
	dbPath           string
	vaultPath        string
	disableStreaming bool
	dnsProtection    bool
	allowedHosts     string
	allowedOrigins   string
	sessionRetention time.Duration
	sweepInterval    time.Duration
	createRate       float64
	createBurst      int
	metricsEnabled   bool
	metricsAddr      string
}

func (o serveOptions) listenAddr() string {
	return net.JoinHostPort(o.host, o.port)
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol (MCP) server for an Obsidian vault.

Supports multiple transport types:
  - streamable-http: Streamable HTTP transport with persistent sessions (default)
  - stdio: Standard input/output

Every flag falls back to an environment variable when it is not set:
  HOST, PORT, MCP_PATH, DB_PATH, VAULT_PATH, MCP_TRANSPORT,
  MCP_ENABLE_DNS_PROTECT, MCP_ALLOWED_HOSTS, MCP_ALLOWED_ORIGINS,
  SESSION_RETENTION, SWEEP_INTERVAL, SESSION_CREATE_RATE,
  SESSION_CREATE_BURST, METRICS_ENABLED and METRICS_ADDR.

OAuth Configuration (HTTP transport):
  AUTH_ENABLED=true turns on authentication. AUTH_PROVIDER selects google,
  github, microsoft or generic-oauth. OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET
  are required. OAUTH_ISSUER, OAUTH_SCOPE, OAUTH_REDIRECT_URI and the
  OAUTH_*_ENDPOINT variables override the provider preset. Invalid settings
  stop the server at startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnvFallbacks(cmd, serveEnv, os.Getenv); err != nil {
				return err
			}
			return runServe(opts)
		},
	}

	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&opts.transport, "transport", transportStreamableHTTP, "Transport type: streamable-http or stdio")
	cmd.Flags().StringVar(&opts.host, "host", "0.0.0.0", "HTTP listen host. Can also use HOST env var.")
	cmd.Flags().StringVar(&opts.port, "port", "8765", "HTTP listen port. Can also use PORT env var.")
	cmd.Flags().StringVar(&opts.mcpPath, "mcp-path", server.DefaultMCPPath, "Protocol endpoint path. Can also use MCP_PATH env var.")
	cmd.Flags().StringVar(&opts.dbPath, "db-path", "/data/sessions.db", "SQLite database for sessions and OAuth state. Can also use DB_PATH env var.")
	cmd.Flags().StringVar(&opts.vaultPath, "vault-path", vault.DefaultPath, "Vault root directory. Can also use VAULT_PATH env var.")
	cmd.Flags().BoolVar(&opts.disableStreaming, "disable-streaming", false, "Disable streaming for HTTP transport (for compatibility with certain clients)")

	// DNS rebinding protection
	cmd.Flags().BoolVar(&opts.dnsProtection, "dns-protection", false, "Reject requests with an unexpected Host or Origin header. Can also use MCP_ENABLE_DNS_PROTECT env var.")
	cmd.Flags().StringVar(&opts.allowedHosts, "allowed-hosts", "", "Comma-separated Host values accepted with --dns-protection. Can also use MCP_ALLOWED_HOSTS env var.")
	cmd.Flags().StringVar(&opts.allowedOrigins, "allowed-origins", "", "Comma-separated Origin values accepted with --dns-protection. Can also use MCP_ALLOWED_ORIGINS env var.")

	// Session and record retention
	cmd.Flags().DurationVar(&opts.sessionRetention, "session-retention", store.DefaultRetention, "Evict sessions and OAuth records idle for longer than this. Can also use SESSION_RETENTION env var.")
	cmd.Flags().DurationVar(&opts.sweepInterval, "sweep-interval", store.DefaultSweepInterval, "How often idle records are evicted. Can also use SWEEP_INTERVAL env var.")
	cmd.Flags().Float64Var(&opts.createRate, "session-create-rate", session.DefaultCreateRate, "Sessions a single client IP may create per second. Can also use SESSION_CREATE_RATE env var.")
	cmd.Flags().IntVar(&opts.createBurst, "session-create-burst", session.DefaultCreateBurst, "Session creation burst per client IP. Can also use SESSION_CREATE_BURST env var.")

	// Metrics server flags
	cmd.Flags().BoolVar(&opts.metricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", server.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")

	return cmd
}

func newLogger(debug bool) *slog.Logger {
	level := logging.ParseLevel(os.Getenv("LOG_LEVEL"))
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newMCPServer(opts ...mcpserver.ServerOption) *mcpserver.MCPServer {
	opts = append([]mcpserver.ServerOption{mcpserver.WithToolCapabilities(true)}, opts...)
	return mcpserver.NewMCPServer(serverName, version, opts...)
}

func runServe(opts serveOptions) error {
	if opts.transport != transportStdio && opts.transport != transportStreamableHTTP {
		return fmt.Errorf("unsupported transport type: %s (supported: %s, %s)", opts.transport, transportStreamableHTTP, transportStdio)
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(opts.debug)
	slog.SetDefault(logger)

	// Authentication settings are read once. Invalid settings are fatal.
	authConfig, err := oauth.LoadConfig()
	if err != nil {
		return fmt.Errorf("authentication configuration error: %w", err)
	}
	if err := authConfig.Discover(ctx, nil); err != nil {
		return fmt.Errorf("authentication configuration error: %w", err)
	}

	// Initialize instrumentation provider
	instrConfig := instrumentation.DefaultConfig()
	instrConfig.ServiceVersion = version
	instrConfig.Transport = opts.transport
	provider, err := instrumentation.NewProvider(ctx, instrConfig, instrumentation.WithProviderLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during instrumentation shutdown", logging.Err(err))
		}
	}()

	// Tool audit follows AUDIT_LOGGING_ENABLED even with metrics disabled.
	audit := provider.AuditLogger()
	var metrics *instrumentation.Metrics
	if provider.Enabled() {
		metrics = provider.Metrics()
	}

	v, err := vault.New(opts.vaultPath, vault.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open vault: %w", err)
	}
	logVaultAccessibility(logger, v)

	switch opts.transport {
	case transportStdio:
		return runStdioServer(ctx, v, metrics, audit, logger)
	default:
		return runStreamableHTTPServer(ctx, opts, authConfig, v, provider, audit, logger)
	}
}

func logVaultAccessibility(logger *slog.Logger, v *vault.Vault) {
	acc := v.Accessibility()
	logger.Info("Vault root",
		"path", v.Root(),
		"exists", acc.Exists,
		"is_dir", acc.IsDirectory,
		"writable", acc.Writable)
	switch {
	case !acc.Exists:
		logger.Warn("VAULT_PATH does not exist. Mount or create your vault at this path.")
	case !acc.IsDirectory:
		logger.Warn("VAULT_PATH exists but is not a directory.")
	}
}

func runStdioServer(ctx context.Context, v *vault.Vault, metrics *instrumentation.Metrics, audit *instrumentation.AuditLogger, logger *slog.Logger) error {
	serverContext, err := server.NewServerContext(ctx, v,
		server.WithMetrics(metrics),
		server.WithAuditLogger(audit),
		server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() {
		_ = serverContext.Shutdown()
	}()

	mcpSrv := newMCPServer()
	if err := vault_tools.RegisterVaultTools(mcpSrv, serverContext); err != nil {
		return fmt.Errorf("failed to register vault tools: %w", err)
	}

	if err := mcpserver.ServeStdio(mcpSrv); err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func runStreamableHTTPServer(ctx context.Context, opts serveOptions, authConfig oauth.Config, v *vault.Vault, provider *instrumentation.Provider, audit *instrumentation.AuditLogger, logger *slog.Logger) error {
	var metrics *instrumentation.Metrics
	if provider.Enabled() {
		metrics = provider.Metrics()
	}

	st, err := store.Open(ctx, opts.dbPath, store.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Error closing record store", logging.Err(err))
		}
	}()

	registry := session.NewRegistry(st, session.WithMetrics(metrics), session.WithLogger(logger))

	serverContext, err := server.NewServerContext(ctx, v,
		server.WithStore(st),
		server.WithRegistry(registry),
		server.WithMetrics(metrics),
		server.WithAuditLogger(audit),
		server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() {
		_ = serverContext.Shutdown()
	}()

	hooks := &mcpserver.Hooks{}
	registry.RegisterHooks(hooks)
	mcpSrv := newMCPServer(mcpserver.WithHooks(hooks))
	if err := vault_tools.RegisterVaultTools(mcpSrv, serverContext); err != nil {
		return fmt.Errorf("failed to register vault tools: %w", err)
	}

	var oauthHandler *oauth.Handler
	if authConfig.Enabled {
		client := oauth.NewClient(authConfig,
			oauth.WithClientMetrics(metrics),
			oauth.WithClientLogger(logger))
		flow := oauth.NewFlow(authConfig, st, client,
			oauth.WithFlowMetrics(metrics),
			oauth.WithFlowLogger(logger))
		oauthHandler = oauth.NewHandler(flow, nil, opts.mcpPath, logger)
	}

	health := server.NewHealthChecker(serverContext)
	httpServer, err := server.NewHTTPServer(serverContext, mcpSrv, server.HTTPConfig{
		MCPPath:          opts.mcpPath,
		DisableStreaming: opts.disableStreaming,
		DNSProtection: server.DNSProtection{
			Enabled:        opts.dnsProtection,
			AllowedHosts:   parseCommaSeparatedList(opts.allowedHosts),
			AllowedOrigins: parseCommaSeparatedList(opts.allowedOrigins),
		},
		OAuth:          oauthHandler,
		SessionLimiter: session.NewCreationLimiter(opts.createRate, opts.createBurst),
		Health:         health,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	var metricsServer *server.MetricsServer
	if opts.metricsEnabled && provider.PrometheusEnabled() {
		metricsServer, err = server.NewMetricsServer(server.MetricsServerConfig{
			Addr:                    opts.metricsAddr,
			Enabled:                 true,
			InstrumentationProvider: provider,
			Logger:                  logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create metrics server: %w", err)
		}
	}

	ln, err := net.Listen("tcp", opts.listenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", opts.listenAddr(), err)
	}

	logger.Info("Starting obsidian-mcp",
		"version", version,
		"transport", opts.transport,
		"addr", ln.Addr().String(),
		"mcp_path", opts.mcpPath,
		"db_path", st.Path(),
		"auth_enabled", authConfig.Enabled,
		"auth_provider", authConfig.Provider,
		"dns_protection", opts.dnsProtection)
	if metricsServer != nil {
		logger.Info("Metrics endpoint enabled", "addr", metricsServer.Addr(), "path", provider.PrometheusEndpoint())
	}

	sweeper := store.NewSweeper(st, opts.sessionRetention, opts.sweepInterval, logger)
	sweeper.OnSweep(func(removed int, duration time.Duration, err error) {
		status := instrumentation.StatusSuccess
		if err != nil {
			status = instrumentation.StatusError
		}
		metrics.RecordStoreSweep(ctx, removed, status, duration)
		registry.Reconcile(ctx)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpServer.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, stopping HTTP server")
		health.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	if metricsServer != nil {
		g.Go(func() error {
			return metricsServer.Run(gctx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("HTTP server gracefully stopped")
	return nil
}
