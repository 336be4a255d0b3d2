package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/teemow/obsidian-mcp/internal/logging"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("record not found")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store closed")

// ErrExists is returned by Insert when the key is already taken.
var ErrExists = errors.New("record already exists")

// ErrConflict is returned by Replace when the current record is not the
// one the caller expected.
var ErrConflict = errors.New("record changed concurrently")

// Kind tags which variant a record's payload holds.
type Kind string

const (
	// KindSession marks a bound protocol session. The payload is the handler state.
	KindSession Kind = "session"
	// KindAuthRequest marks a pending authorization-code request keyed by state.
	KindAuthRequest Kind = "auth_request"
	// KindExchanging marks a state whose code exchange is in flight.
	KindExchanging Kind = "exchanging"
	// KindToken marks a completed token exchange keyed by state.
	KindToken Kind = "token"
)

// Record is one row of the records table.
type Record struct {
	ID             string
	Kind           Kind
	CreatedAt      time.Time
	LastAccessedAt time.Time
	Payload        []byte
}

// Patch names the fields to update. Nil fields are left untouched.
type Patch struct {
	Kind           *Kind
	Payload        []byte
	LastAccessedAt *time.Time
}

// Verdict is returned by the decision function passed to Claim.
type Verdict int

const (
	// Keep leaves the record in place and reports ErrNotFound to the caller.
	Keep Verdict = iota
	// Take deletes the record and hands it to the caller.
	Take
	// Discard deletes the record and reports ErrNotFound to the caller.
	Discard
)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source. Tests use it to drive retention.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used by the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store is a durable keyed record table mirrored by an in-memory cache.
//
// Every mutation is written to SQLite first and to the cache second, both
// while holding the lock for the record's key, so readers never observe the
// cache and the table disagreeing once a call returns. Operations on
// different keys proceed in parallel.
type Store struct {
	db     *sql.DB
	path   string
	now    func() time.Time
	logger *slog.Logger
	keys   *keyLocks

	mu     sync.RWMutex
	cache  map[string]Record
	closed bool
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id               TEXT PRIMARY KEY,
	kind             TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	payload          BLOB
);
CREATE INDEX IF NOT EXISTS idx_records_last_accessed_at ON records(last_accessed_at);
`

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens or creates the SQLite database at path, applies the schema and
// loads every row into the cache.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if cleanPath != ":memory:" {
		if dir := filepath.Dir(cleanPath); dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
	}

	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows a single writer; one connection keeps :memory: databases
	// shared and avoids SQLITE_BUSY between our own goroutines.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		db:     sqlDB,
		path:   cleanPath,
		now:    time.Now,
		logger: slog.Default(),
		keys:   newKeyLocks(),
		cache:  make(map[string]Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.WithComponent(s.logger, "store")

	if err := s.load(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	s.logger.Info("Record store opened", "path", cleanPath, "records", len(s.cache))
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, created_at, last_accessed_at, payload FROM records`)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec      Record
			kind     string
			created  int64
			accessed int64
		)
		if err := rows.Scan(&rec.ID, &kind, &created, &accessed, &rec.Payload); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		rec.Kind = Kind(kind)
		rec.CreatedAt = fromMillis(created)
		rec.LastAccessedAt = fromMillis(accessed)
		s.cache[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}
	return nil
}

// Close closes the database. The cache is dropped.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cache = make(map[string]Record)
	s.mu.Unlock()
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Now returns the store's current time, truncated to the stored precision.
func (s *Store) Now() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// Put inserts or fully replaces the record for rec.ID. Zero timestamps are
// filled with the current time. The write is durable before Put returns.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	unlock := s.keys.lock(rec.ID)
	defer unlock()

	if s.isClosed() {
		return ErrClosed
	}
	return s.write(ctx, rec)
}

// Insert stores rec only when no record exists for rec.ID, and returns
// ErrExists otherwise. The check and the write happen under the key's lock.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	unlock := s.keys.lock(rec.ID)
	defer unlock()

	if s.isClosed() {
		return ErrClosed
	}
	if _, ok := s.cached(rec.ID); ok {
		return ErrExists
	}
	return s.write(ctx, rec)
}

// Replace calls next with the record stored under id, found being false
// when there is none, and writes the record next returns. When next reports
// false nothing is written and ErrConflict is returned. Both happen under
// the key's lock.
func (s *Store) Replace(ctx context.Context, id string, next func(current Record, found bool) (Record, bool)) error {
	if id == "" {
		return fmt.Errorf("record id is required")
	}
	unlock := s.keys.lock(id)
	defer unlock()

	if s.isClosed() {
		return ErrClosed
	}
	current, ok := s.cached(id)
	rec, accept := next(copyRecord(current), ok)
	if !accept {
		return ErrConflict
	}
	rec.ID = id
	return s.write(ctx, rec)
}

func (s *Store) write(ctx context.Context, rec Record) error {
	now := s.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastAccessedAt.IsZero() {
		rec.LastAccessedAt = now
	}
	rec = normalize(rec)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, kind, created_at, last_accessed_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			created_at = excluded.created_at,
			last_accessed_at = excluded.last_accessed_at,
			payload = excluded.payload`,
		rec.ID, string(rec.Kind), toMillis(rec.CreatedAt), toMillis(rec.LastAccessedAt), rec.Payload)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}

	s.setCached(rec)
	return nil
}

// Patch updates only the fields named in p. It returns ErrNotFound when no
// record exists for id.
func (s *Store) Patch(ctx context.Context, id string, p Patch) error {
	unlock := s.keys.lock(id)
	defer unlock()

	if s.isClosed() {
		return ErrClosed
	}

	rec, ok := s.cached(id)
	if !ok {
		return ErrNotFound
	}
	if p.Kind != nil {
		rec.Kind = *p.Kind
	}
	if p.Payload != nil {
		rec.Payload = append([]byte(nil), p.Payload...)
	}
	if p.LastAccessedAt != nil {
		rec.LastAccessedAt = *p.LastAccessedAt
	}
	rec = normalize(rec)

	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET kind = ?, last_accessed_at = ?, payload = ? WHERE id = ?`,
		string(rec.Kind), toMillis(rec.LastAccessedAt), rec.Payload, id)
	if err != nil {
		return fmt.Errorf("patch record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.dropCached(id)
		return ErrNotFound
	}

	s.setCached(rec)
	return nil
}

// Get returns the record for id and refreshes its last access time.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	unlock := s.keys.lock(id)
	defer unlock()

	if s.isClosed() {
		return Record{}, ErrClosed
	}

	rec, ok := s.cached(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	if err := s.touch(ctx, &rec); err != nil {
		return Record{}, err
	}
	return copyRecord(rec), nil
}

// Peek returns the record for id without refreshing it.
func (s *Store) Peek(id string) (Record, bool) {
	rec, ok := s.cached(id)
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// Delete removes the record for id. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	unlock := s.keys.lock(id)
	defer unlock()

	if s.isClosed() {
		return ErrClosed
	}
	return s.remove(ctx, id)
}

// Claim runs decide against the record for id while holding the key's lock
// and applies the verdict. Only Take returns the record; Keep and Discard
// report ErrNotFound. Two concurrent Claims that both Take can never both
// receive the record.
func (s *Store) Claim(ctx context.Context, id string, decide func(Record) Verdict) (Record, error) {
	unlock := s.keys.lock(id)
	defer unlock()

	if s.isClosed() {
		return Record{}, ErrClosed
	}

	rec, ok := s.cached(id)
	if !ok {
		return Record{}, ErrNotFound
	}

	switch decide(copyRecord(rec)) {
	case Take:
		if err := s.remove(ctx, id); err != nil {
			return Record{}, err
		}
		return rec, nil
	case Discard:
		if err := s.remove(ctx, id); err != nil {
			return Record{}, err
		}
		return Record{}, ErrNotFound
	default:
		return Record{}, ErrNotFound
	}
}

// Sweep deletes every record whose last access time is strictly older than
// now-maxAge and returns how many were removed.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	cutoff := s.Now().Add(-maxAge)

	s.mu.RLock()
	candidates := make([]string, 0)
	for id, rec := range s.cache {
		if rec.LastAccessedAt.Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := s.sweepOne(ctx, id, cutoff)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// sweepOne re-checks a candidate under its key lock, since a concurrent Get
// may have refreshed it after the scan.
func (s *Store) sweepOne(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock := s.keys.lock(id)
	defer unlock()

	rec, ok := s.cached(id)
	if !ok || !rec.LastAccessedAt.Before(cutoff) {
		return false, nil
	}
	if err := s.remove(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// List returns every record ordered by id, without refreshing any of them.
func (s *Store) List() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.cache))
	for _, rec := range s.cache {
		out = append(out, copyRecord(rec))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of records of the given kind. An empty kind
// counts every record.
func (s *Store) Count(kind Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if kind == "" {
		return len(s.cache)
	}
	n := 0
	for _, rec := range s.cache {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}

func (s *Store) touch(ctx context.Context, rec *Record) error {
	now := s.Now()
	if now.Before(rec.CreatedAt) {
		now = rec.CreatedAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET last_accessed_at = ? WHERE id = ?`, toMillis(now), rec.ID)
	if err != nil {
		return fmt.Errorf("refresh record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.dropCached(rec.ID)
		return ErrNotFound
	}
	rec.LastAccessedAt = now
	s.setCached(*rec)
	return nil
}

func (s *Store) remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	s.dropCached(id)
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Store) cached(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.cache[id]
	return rec, ok
}

func (s *Store) setCached(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.cache[rec.ID] = copyRecord(rec)
	}
}

func (s *Store) dropCached(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, id)
}

// normalize truncates timestamps to the stored precision and keeps
// LastAccessedAt >= CreatedAt.
func normalize(rec Record) Record {
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)
	rec.LastAccessedAt = rec.LastAccessedAt.UTC().Truncate(time.Millisecond)
	if rec.LastAccessedAt.Before(rec.CreatedAt) {
		rec.LastAccessedAt = rec.CreatedAt
	}
	return rec
}

func copyRecord(rec Record) Record {
	if rec.Payload != nil {
		rec.Payload = append([]byte(nil), rec.Payload...)
	}
	return rec
}
