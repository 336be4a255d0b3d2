package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/teemow/obsidian-mcp/internal/instrumentation"
	"github.com/teemow/obsidian-mcp/internal/session"
	"github.com/teemow/obsidian-mcp/internal/store"
	"github.com/teemow/obsidian-mcp/internal/vault"
)

// ServerContext holds the long-lived dependencies shared by tool handlers
// and HTTP endpoints. It is built once at startup and shut down once.
type ServerContext struct {
	ctx         context.Context
	cancel      context.CancelFunc
	vault       *vault.Vault
	store       *store.Store
	registry    *session.Registry
	metrics     *instrumentation.Metrics
	auditLogger *instrumentation.AuditLogger
	logger      *slog.Logger
	mu          sync.RWMutex
	shutdown    bool
}

// Option configures a ServerContext.
type Option func(*ServerContext)

// WithStore attaches the record store.
func WithStore(st *store.Store) Option {
	return func(sc *ServerContext) {
		sc.store = st
	}
}

// WithRegistry attaches the session registry.
func WithRegistry(reg *session.Registry) Option {
	return func(sc *ServerContext) {
		sc.registry = reg
	}
}

// WithMetrics sets the metrics recorder used by tool handlers.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(sc *ServerContext) {
		sc.metrics = m
	}
}

// WithAuditLogger sets the tool audit logger.
func WithAuditLogger(al *instrumentation.AuditLogger) Option {
	return func(sc *ServerContext) {
		sc.auditLogger = al
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(sc *ServerContext) {
		if logger != nil {
			sc.logger = logger
		}
	}
}

// NewServerContext creates a new server context around a vault.
func NewServerContext(ctx context.Context, v *vault.Vault, opts ...Option) (*ServerContext, error) {
	if v == nil {
		return nil, errors.New("vault is required")
	}
	shutdownCtx, cancel := context.WithCancel(ctx)

	sc := &ServerContext{
		ctx:    shutdownCtx,
		cancel: cancel,
		vault:  v,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc, nil
}

// Context returns the server context
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// Vault returns the sandboxed vault.
func (sc *ServerContext) Vault() *vault.Vault {
	return sc.vault
}

// Store returns the record store, or nil when none is attached.
func (sc *ServerContext) Store() *store.Store {
	return sc.store
}

// Registry returns the session registry, or nil when none is attached.
func (sc *ServerContext) Registry() *session.Registry {
	return sc.registry
}

// Metrics returns the metrics recorder. It may be nil.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	return sc.metrics
}

// AuditLogger returns the tool audit logger. It may be nil.
func (sc *ServerContext) AuditLogger() *instrumentation.AuditLogger {
	return sc.auditLogger
}

// Logger returns the logger.
func (sc *ServerContext) Logger() *slog.Logger {
	return sc.logger
}

// IsShutdown returns whether the server has been shutdown
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown cancels the server context. The store is owned by the caller
// and closed separately.
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.shutdown {
		return nil
	}

	sc.shutdown = true
	sc.cancel()
	return nil
}
