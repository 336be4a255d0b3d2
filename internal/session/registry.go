package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teemow/obsidian-mcp/internal/instrumentation"
	"github.com/teemow/obsidian-mcp/internal/logging"
	"github.com/teemow/obsidian-mcp/internal/store"
)

// ErrSessionNotFound is returned when a client presents an id that is not a
// live session. Unknown ids are never silently replaced with a new session.
var ErrSessionNotFound = errors.New("session not found")

// Session is the resolved view of a session record.
type Session struct {
	ID             string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	// State is the handler state blob. It is empty for a new session.
	State []byte
	// Created reports whether this resolution created the session.
	Created bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records session resolutions.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithIDGenerator replaces the identifier source. Tests use it to force
// collisions.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// Registry resolves, creates and closes sessions on top of the record store.
type Registry struct {
	store   *store.Store
	metrics *instrumentation.Metrics
	logger  *slog.Logger
	newID   func() string

	gaugeMu sync.Mutex
	gauge   int
}

// maxIDAttempts bounds retries when a generated id collides with an
// existing record.
const maxIDAttempts = 8

// NewRegistry creates a Registry backed by st. The active sessions gauge
// starts at the number of sessions already persisted.
func NewRegistry(st *store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  st,
		logger: slog.Default(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.WithComponent(r.logger, "session")
	r.Reconcile(context.Background())
	return r
}

// Resolve returns the session for id, refreshing its last access time.
// An empty id creates a new session with a fresh identifier and empty state.
// A non-empty id that is not a live session yields ErrSessionNotFound.
func (r *Registry) Resolve(ctx context.Context, id string) (Session, error) {
	if id == "" {
		return r.create(ctx)
	}

	rec, err := r.lookup(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		r.metrics.RecordSessionResolution(ctx, instrumentation.SessionResultNotFound)
		return Session{}, err
	}
	if err != nil {
		return Session{}, err
	}

	r.metrics.RecordSessionResolution(ctx, instrumentation.SessionResultResumed)
	return fromRecord(rec, false), nil
}

// lookup fetches and refreshes a session record without recording metrics.
func (r *Registry) lookup(ctx context.Context, id string) (store.Record, error) {
	if rec, ok := r.store.Peek(id); !ok || rec.Kind != store.KindSession {
		return store.Record{}, ErrSessionNotFound
	}
	rec, err := r.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Record{}, ErrSessionNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("resolve session: %w", err)
	}
	return rec, nil
}

func (r *Registry) create(ctx context.Context) (Session, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := r.newID()
		if id == "" {
			continue
		}

		now := r.store.Now()
		rec := store.Record{
			ID:             id,
			Kind:           store.KindSession,
			CreatedAt:      now,
			LastAccessedAt: now,
		}
		err := r.store.Insert(ctx, rec)
		if errors.Is(err, store.ErrExists) {
			continue
		}
		if err != nil {
			return Session{}, fmt.Errorf("create session: %w", err)
		}

		r.adjustGauge(1)
		r.metrics.RecordSessionResolution(ctx, instrumentation.SessionResultCreated)
		r.logger.Debug("Session created", logging.Session(id))
		return fromRecord(rec, true), nil
	}
	return Session{}, fmt.Errorf("create session: no unused identifier after %d attempts", maxIDAttempts)
}

// SaveState replaces the handler state of a live session.
func (r *Registry) SaveState(ctx context.Context, id string, state []byte) error {
	if rec, ok := r.store.Peek(id); !ok || rec.Kind != store.KindSession {
		return ErrSessionNotFound
	}
	if state == nil {
		state = []byte{}
	}
	now := r.store.Now()
	err := r.store.Patch(ctx, id, store.Patch{Payload: state, LastAccessedAt: &now})
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// Close removes the session immediately. Closing an unknown id is not an
// error. Concurrent closes of one session count it as closed once.
func (r *Registry) Close(ctx context.Context, id string) error {
	_, err := r.store.Claim(ctx, id, func(rec store.Record) store.Verdict {
		if rec.Kind != store.KindSession {
			return store.Keep
		}
		return store.Take
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	r.adjustGauge(-1)
	r.metrics.RecordSessionResolution(ctx, instrumentation.SessionResultClosed)
	r.logger.Debug("Session closed", logging.Session(id))
	return nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	return r.store.Count(store.KindSession)
}

// Reconcile brings the active sessions gauge in line with the store. The
// sweeper calls it after evicting idle sessions.
func (r *Registry) Reconcile(ctx context.Context) {
	r.gaugeMu.Lock()
	defer r.gaugeMu.Unlock()

	current := r.Count()
	if delta := current - r.gauge; delta != 0 {
		r.metrics.AddActiveSessions(ctx, int64(delta))
	}
	r.gauge = current
}

// adjustGauge moves the internal gauge mirror. The metric itself is moved by
// RecordSessionResolution for created and closed results.
func (r *Registry) adjustGauge(delta int) {
	r.gaugeMu.Lock()
	r.gauge += delta
	r.gaugeMu.Unlock()
}

// Generate implements mcp-go's SessionIdManager. It is called for
// initialize requests and always creates a new session.
func (r *Registry) Generate() string {
	sess, err := r.create(context.Background())
	if err != nil {
		r.logger.Error("Failed to create session", logging.Err(err))
		return ""
	}
	return sess.ID
}

// Validate implements mcp-go's SessionIdManager. An unknown id reports the
// session as terminated, which the transport answers with 404.
func (r *Registry) Validate(sessionID string) (isTerminated bool, err error) {
	if sessionID == "" {
		return false, ErrSessionNotFound
	}
	_, err = r.lookup(context.Background(), sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// Terminate implements mcp-go's SessionIdManager for DELETE requests.
func (r *Registry) Terminate(sessionID string) (isNotAllowed bool, err error) {
	if err := r.Close(context.Background(), sessionID); err != nil {
		return false, err
	}
	return false, nil
}

func fromRecord(rec store.Record, created bool) Session {
	return Session{
		ID:             rec.ID,
		CreatedAt:      rec.CreatedAt,
		LastAccessedAt: rec.LastAccessedAt,
		State:          rec.Payload,
		Created:        created,
	}
}
