package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/obsidian-mcp/internal/store"
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

func newTestStore(t *testing.T, clock *fakeClock) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "records.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := newTestStore(t, clock)
	return NewRegistry(st), st, clock
}

func TestResolve_CreatesFreshSession(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Resolve(ctx, "")
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.NotEmpty(t, first.ID)
	assert.Empty(t, first.State)

	second, err := reg.Resolve(ctx, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	rec, ok := st.Peek(first.ID)
	require.True(t, ok)
	assert.Equal(t, store.KindSession, rec.Kind)
	assert.Equal(t, 2, reg.Count())
}

func TestResolve_KnownSessionRefreshes(t *testing.T) {
	reg, st, clock := newTestRegistry(t)
	ctx := context.Background()

	created, err := reg.Resolve(ctx, "")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	resumed, err := reg.Resolve(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, resumed.Created)
	assert.Equal(t, created.ID, resumed.ID)
	assert.Equal(t, created.CreatedAt, resumed.CreatedAt)
	assert.Equal(t, created.CreatedAt.Add(time.Hour), resumed.LastAccessedAt)

	rec, ok := st.Peek(created.ID)
	require.True(t, ok)
	assert.Equal(t, resumed.LastAccessedAt, rec.LastAccessedAt)
}

func TestResolve_UnknownSessionIsNotCreated(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Resolve(ctx, "never-created")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, ok := st.Peek("never-created")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Count())
}

func TestResolve_OtherRecordKindsAreNotSessions(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, store.Record{ID: "oauth-state", Kind: store.KindAuthRequest}))

	_, err := reg.Resolve(ctx, "oauth-state")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoError(t, reg.Close(ctx, "oauth-state"))

	_, ok := st.Peek("oauth-state")
	assert.True(t, ok, "closing a non-session id must not delete other records")
}

func TestResolve_SkipsCollidingIdentifiers(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := newTestStore(t, clock)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, store.Record{ID: "taken", Kind: store.KindSession}))

	ids := []string{"taken", "", "fresh"}
	reg := NewRegistry(st, WithIDGenerator(func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}))

	sess, err := reg.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "fresh", sess.ID)
}

func TestResolve_GivesUpAfterRepeatedCollisions(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := newTestStore(t, clock)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, store.Record{ID: "taken", Kind: store.KindSession}))

	reg := NewRegistry(st, WithIDGenerator(func() string { return "taken" }))
	_, err := reg.Resolve(ctx, "")
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := reg.Resolve(ctx, "")
	require.NoError(t, err)

	require.NoError(t, reg.Close(ctx, sess.ID))
	_, err = reg.Resolve(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Closing again is harmless.
	assert.NoError(t, reg.Close(ctx, sess.ID))
}

func TestClose_ConcurrentClosesCountOnce(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := reg.Resolve(ctx, "")
	require.NoError(t, err)
	keep, err := reg.Resolve(ctx, "")
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.Close(ctx, sess.ID))
		}()
	}
	wg.Wait()

	reg.gaugeMu.Lock()
	gauge := reg.gauge
	reg.gaugeMu.Unlock()
	assert.Equal(t, 1, gauge)
	assert.Equal(t, 1, reg.Count())

	_, err = reg.Resolve(ctx, keep.ID)
	assert.NoError(t, err)
}

func TestResolve_NeverOverwritesExistingRecord(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := newTestStore(t, clock)
	ctx := context.Background()
	require.NoError(t, st.Put(ctx, store.Record{ID: "oauth-state", Kind: store.KindAuthRequest, Payload: []byte(`{}`)}))

	ids := []string{"oauth-state", "fresh"}
	reg := NewRegistry(st, WithIDGenerator(func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}))

	sess, err := reg.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "fresh", sess.ID)

	rec, ok := st.Peek("oauth-state")
	require.True(t, ok)
	assert.Equal(t, store.KindAuthRequest, rec.Kind)
}

func TestSweptSessionIsNotFound(t *testing.T) {
	reg, st, clock := newTestRegistry(t)
	ctx := context.Background()

	sess, err := reg.Resolve(ctx, "")
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	removed, err := st.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	reg.Reconcile(ctx)

	_, err = reg.Resolve(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSaveStateAndDecode(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := reg.Resolve(ctx, "")
	require.NoError(t, err)

	want := HandlerState{
		ProtocolVersion: "2025-03-26",
		ClientName:      "inspector",
		ClientVersion:   "0.1.0",
		InitializedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, reg.StoreState(ctx, sess.ID, want))

	resumed, err := reg.Resolve(ctx, sess.ID)
	require.NoError(t, err)
	got, err := DecodeState(resumed.State)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	assert.ErrorIs(t, reg.SaveState(ctx, "missing", []byte("{}")), ErrSessionNotFound)
}

func TestDecodeState(t *testing.T) {
	state, err := DecodeState(nil)
	require.NoError(t, err)
	assert.Equal(t, HandlerState{}, state)

	_, err = DecodeState([]byte("not json"))
	assert.Error(t, err)
}

func TestSessionIdManager(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	id := reg.Generate()
	require.NotEmpty(t, id)

	terminated, err := reg.Validate(id)
	require.NoError(t, err)
	assert.False(t, terminated)

	terminated, err = reg.Validate("unknown")
	require.NoError(t, err)
	assert.True(t, terminated)

	_, err = reg.Validate("")
	assert.Error(t, err)

	notAllowed, err := reg.Terminate(id)
	require.NoError(t, err)
	assert.False(t, notAllowed)

	terminated, err = reg.Validate(id)
	require.NoError(t, err)
	assert.True(t, terminated)
}

func TestResolve_ConcurrentCreatesAreUnique(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	const n = 32
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := reg.Resolve(ctx, "")
			if err == nil {
				ids <- sess.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate session id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, reg.Count())
}
