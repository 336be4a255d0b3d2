package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
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

func openTestStore(t *testing.T, clock *fakeClock) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	s, err := Open(context.Background(), path, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	require.Error(t, err)
}

func TestPutGet(t *testing.T) {
	clock := newFakeClock()
	s, _ := openTestStore(t, clock)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Record{ID: "a", Kind: KindSession, Payload: []byte(`{"x":1}`)}))

	clock.Advance(time.Minute)
	rec, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, KindSession, rec.Kind)
	assert.Equal(t, []byte(`{"x":1}`), rec.Payload)
	assert.Equal(t, clock.Now(), rec.CreatedAt.Add(time.Minute))
	assert.Equal(t, clock.Now(), rec.LastAccessedAt, "get refreshes the access time")
}

func TestGet_NotFound(t *testing.T) {
	s, _ := openTestStore(t, newFakeClock())
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPut_ReplacesRecord(t *testing.T) {
	s, _ := openTestStore(t, newFakeClock())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Record{ID: "state", Kind: KindAuthRequest, Payload: []byte("pending")}))
	require.NoError(t, s.Put(ctx, Record{ID: "state", Kind: KindToken, Payload: []byte("token")}))

	rec, ok := s.Peek("state")
	require.True(t, ok)
	assert.Equal(t, KindToken, rec.Kind)
	assert.Equal(t, []byte("token"), rec.Payload)
	assert.Equal(t, 1, s.Count(""))
}

func TestPut_KeepsAccessNotBeforeCreation(t *testing.T) {
	clock := newFakeClock()
	s, _ := openTestStore(t, clock)

	created := clock.Now()
	require.NoError(t, s.Put(context.Background(), Record{
		ID:             "a",
		Kind:           KindSession,
		CreatedAt:      created,
		LastAccessedAt: created.Add(-time.Hour),
	}))

	rec, ok := s.Peek("a")
	require.True(t, ok)
	assert.Equal(t, created, rec.LastAccessedAt)
}

func TestPatch(t *testing.T) {
	clock := newFakeClock()
	s, _ := openTestStore(t, clock)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Record{ID: "a", Kind: KindSession, Payload: []byte("one")}))
	before, _ := s.Peek("a")

	t.Run("updates named fields only", func(t *testing.T) {
		require.NoError(t, s.Patch(ctx, "a", Patch{Payload: []byte("two")}))

		rec, ok := s.Peek("a")
		require.True(t, ok)
		assert.Equal(t, []byte("two"), rec.Payload)
		assert.Equal(t, before.Kind, rec.Kind)
		assert.Equal(t, before.CreatedAt, rec.CreatedAt)
		assert.Equal(t, before.LastAccessedAt, rec.LastAccessedAt)
	})

	t.Run("updates access time", func(t *testing.T) {
		clock.Advance(time.Hour)
		now := clock.Now()
		require.NoError(t, s.Patch(ctx, "a", Patch{LastAccessedAt: &now}))

		rec, _ := s.Peek("a")
		assert.Equal(t, now, rec.LastAccessedAt)
		assert.Equal(t, []byte("two"), rec.Payload)
	})

	t.Run("missing key", func(t *testing.T) {
		err := s.Patch(ctx, "missing", Patch{Payload: []byte("x")})
		assert.ErrorIs(t, err, ErrNotFound)
		_, ok := s.Peek("missing")
		assert.False(t, ok)
	})
}

func TestInsert_RejectsExistingKey(t *testing.T) {
	clock := newFakeClock()
	s, _ := openTestStore(t, clock)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, Record{ID: "state-1", Kind: KindAuthRequest, Payload: []byte("first")}))
	err := s.Insert(ctx, Record{ID: "state-1", Kind: KindAuthRequest, Payload: []byte("second")})
	assert.ErrorIs(t, err, ErrExists)

	rec, ok := s.Peek("state-1")
	require.True(t, ok)
	assert.Equal(t, []byte("first"), rec.Payload)

	require.NoError(t, s.Delete(ctx, "state-1"))
	assert.NoError(t, s.Insert(ctx, Record{ID: "state-1", Kind: KindAuthRequest}))
}

func TestInsert_ConcurrentSingleWinner(t *testing.T) {
	clock := newFakeClock()
	s, _ := openTestStore(t, clock)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Insert(ctx, Record{ID: "contended", Kind: KindAuthRequest}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestReplace_WritesOnlyWhenAccepted(t *testing.T) {
	s, _ := openTestStore(t, newFakeClock())
	ctx := context.Background()

	fromPending := func(cur Record, found bool) (Record, bool) {
		if !found || cur.Kind != KindAuthRequest {
			return Record{}, false
		}
		return Record{Kind: KindExchanging, Payload: append(cur.Payload, '!')}, true
	}

	err := s.Replace(ctx, "S", fromPending)
	assert.ErrorIs(t, err, ErrConflict)
	_, ok := s.Peek("S")
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, Record{ID: "S", Kind: KindAuthRequest, Payload: []byte("req")}))
	require.NoError(t, s.Replace(ctx, "S", fromPending))

	rec, ok := s.Peek("S")
	require.True(t, ok)
	assert.Equal(t, "S", rec.ID)
	assert.Equal(t, KindExchanging, rec.Kind)
	assert.Equal(t, []byte("req!"), rec.Payload)

	err = s.Replace(ctx, "S", fromPending)
	assert.ErrorIs(t, err, ErrConflict)
	rec, _ = s.Peek("S")
	assert.Equal(t, []byte("req!"), rec.Payload)
}

func TestReplace_ConcurrentSingleWinner(t *testing.T) {
	s, _ := openTestStore(t, newFakeClock())
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, Record{ID: "S", Kind: KindAuthRequest}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Replace(ctx, "S", func(cur Record, found bool) (Record, bool) {
				return Record{Kind: KindExchanging}, found && cur.Kind == KindAuthRequest
			})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestDelete_Idempotent(t *testing.T) {
	s, _ := openTestStore(t, newFakeClock())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Record{ID: "a", Kind: KindSession}))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaim(t *testing.T) {
	s, _ := openTestStore(t, newFakeClock())
	ctx := context.Background()

	t.Run("take returns once", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, Record{ID: "t", Kind: KindToken, Payload: []byte("tok")}))
		take := func(Record) Verdict { return Take }

		rec, err := s.Claim(ctx, "t", take)
		require.NoError(t, err)
		assert.Equal(t, []byte("tok"), rec.Payload)

		_, err = s.Claim(ctx, "t", take)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("keep leaves record", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, Record{ID: "p", Kind: KindAuthRequest}))
		_, err := s.Claim(ctx, "p", func(Record) Verdict { return Keep })
		assert.ErrorIs(t, err, ErrNotFound)
		_, ok := s.Peek("p")
		assert.True(t, ok)
	})

	t.Run("discard removes record", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, Record{ID: "d", Kind: KindToken}))
		_, err := s.Claim(ctx, "d", func(Record) Verdict { return Discard })
		assert.ErrorIs(t, err, ErrNotFound)
		_, ok := s.Peek("d")
		assert.False(t, ok)
	})
}

func TestClaim_ConcurrentTakeDeliversAtMostOnce(t *testing.T) {
	s, _ := openTestStore(t, newFakeClock())
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, Record{ID: "t", Kind: KindToken, Payload: []byte("tok")}))

	var delivered atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Claim(ctx, "t", func(Record) Verdict { return Take })
			if err == nil {
				delivered.Add(1)
			} else if !errors.Is(err, ErrNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), delivered.Load())
	assert.Equal(t, 0, s.keys.size(), "key locks are released")
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	s, _ := openTestStore(t, clock)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Record{ID: "old", Kind: KindSession}))
	clock.Advance(time.Hour)
	require.NoError(t, s.Put(ctx, Record{ID: "edge", Kind: KindAuthRequest}))
	clock.Advance(time.Minute)
	require.NoError(t, s.Put(ctx, Record{ID: "fresh", Kind: KindToken, Payload: []byte("p")}))

	edge, _ := s.Peek("edge")
	fresh, _ := s.Peek("fresh")

	// cutoff lands exactly on "edge": strictly older only
	clock.Advance(10 * time.Minute)
	removed, err := s.Sweep(ctx, 11*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := s.Peek("old")
	assert.False(t, ok)

	gotEdge, ok := s.Peek("edge")
	require.True(t, ok)
	assert.Equal(t, edge, gotEdge)

	gotFresh, ok := s.Peek("fresh")
	require.True(t, ok)
	assert.Equal(t, fresh, gotFresh)
}

func TestSweep_RefreshedRecordSurvives(t *testing.T) {
	clock := newFakeClock()
	s, _ := openTestStore(t, clock)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Record{ID: "a", Kind: KindSession}))
	clock.Advance(23 * time.Hour)
	_, err := s.Get(ctx, "a")
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	removed, err := s.Sweep(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestReopen_LoadsPersistedRecords(t *testing.T) {
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	ctx := context.Background()

	s, err := Open(ctx, path, WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, Record{ID: "a", Kind: KindSession, Payload: []byte("state")}))
	require.NoError(t, s.Put(ctx, Record{ID: "b", Kind: KindToken}))
	require.NoError(t, s.Delete(ctx, "b"))
	want, _ := s.Peek("a")
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path, WithClock(clock.Now))
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Peek("a")
	require.True(t, ok)
	assert.Equal(t, want, got)
	_, ok = reopened.Peek("b")
	assert.False(t, ok)
	assert.Equal(t, 1, reopened.Count(KindSession))
}

func TestList_SortedByID(t *testing.T) {
	s, _ := openTestStore(t, newFakeClock())
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.Put(ctx, Record{ID: id, Kind: KindSession}))
	}

	var ids []string
	for _, rec := range s.List() {
		ids = append(ids, rec.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestClosedStore(t *testing.T) {
	s, _ := openTestStore(t, newFakeClock())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Put(ctx, Record{ID: "a"}), ErrClosed)
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Ping(ctx), ErrClosed)
}

func TestConcurrentAccess(t *testing.T) {
	s, _ := openTestStore(t, newFakeClock())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%4))
			for j := 0; j < 20; j++ {
				_ = s.Put(ctx, Record{ID: id, Kind: KindSession, Payload: []byte{byte(j)}})
				_, _ = s.Get(ctx, id)
				_ = s.Patch(ctx, id, Patch{Payload: []byte{byte(j), 1}})
			}
		}(i)
	}
	wg.Wait()

	for _, rec := range s.List() {
		persisted, ok := s.Peek(rec.ID)
		require.True(t, ok)
		assert.Equal(t, rec, persisted)
	}
	assert.Equal(t, 4, s.Count(KindSession))
}
