package idempotency

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sparkle-hq/jobcore/internal/shared"
)

type replayCounter struct {
	mu     sync.Mutex
	scopes []string
}

func (c *replayCounter) IdempotentReplay(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopes = append(c.scopes, scope)
}

func newRedisGuard(t *testing.T) (*Guard, *MemoryStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewMemoryStore()
	return NewGuard(store, NewRedisLocker(client, 2*time.Second), Config{TTL: time.Hour}, nil), store
}

func approveRequest(key string) Request {
	return Request{Key: key, Scope: "job.approve", Fingerprint: Fingerprint("POST", "/jobs/1/approve", "client-1", "{}")}
}

func TestExecuteReplaysStoredOutcome(t *testing.T) {
	ctx := context.Background()
	guard, _ := newRedisGuard(t)
	counter := &replayCounter{}
	guard.SetMetrics(counter)

	calls := 0
	fn := func(context.Context) (int, []byte, error) {
		calls++
		return http.StatusOK, []byte(`{"status":"completed"}`), nil
	}

	first, err := guard.Execute(ctx, approveRequest("k-1"), fn)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := guard.Execute(ctx, approveRequest("k-1"), fn)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Body, second.Body)
	require.Equal(t, http.StatusOK, second.StatusCode)
	require.Equal(t, 1, calls)
	require.Equal(t, []string{"job.approve"}, counter.scopes)
}

func TestExecuteRejectsFingerprintMismatch(t *testing.T) {
	ctx := context.Background()
	guard, _ := newRedisGuard(t)
	ok := func(context.Context) (int, []byte, error) { return http.StatusOK, []byte(`{}`), nil }

	_, err := guard.Execute(ctx, approveRequest("k-2"), ok)
	require.NoError(t, err)

	other := approveRequest("k-2")
	other.Fingerprint = Fingerprint("POST", "/jobs/2/approve", "client-1", "{}")
	_, err = guard.Execute(ctx, other, ok)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
}

func TestExecuteDoesNotStoreFailures(t *testing.T) {
	ctx := context.Background()
	guard, store := newRedisGuard(t)
	boom := errors.New("gateway down")

	_, err := guard.Execute(ctx, approveRequest("k-3"), func(context.Context) (int, []byte, error) {
		return 0, nil, boom
	})
	require.ErrorIs(t, err, boom)
	_, err = store.Get(ctx, "k-3")
	require.ErrorIs(t, err, shared.ErrNotFound)

	out, err := guard.Execute(ctx, approveRequest("k-3"), func(context.Context) (int, []byte, error) {
		return http.StatusOK, []byte(`"ok"`), nil
	})
	require.NoError(t, err)
	require.False(t, out.Replayed)
}

// stagingStore is an Atomic store: writes staged by the command only survive
// if RunInTx returns nil.
type stagingStore struct {
	*MemoryStore
	insertErr error
	staged    []string
	committed []string
}

func (s *stagingStore) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	s.staged = nil
	err := fn(ctx)
	if err == nil {
		s.committed = append(s.committed, s.staged...)
	}
	s.staged = nil
	return err
}

func (s *stagingStore) Insert(ctx context.Context, rec Record) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.MemoryStore.Insert(ctx, rec)
}

func TestExecuteRollsBackCommandWhenRecordWriteFails(t *testing.T) {
	ctx := context.Background()
	store := &stagingStore{MemoryStore: NewMemoryStore(), insertErr: errors.New("connection reset")}
	guard := NewGuard(store, NewLocalLocker(time.Second), Config{TTL: time.Hour}, nil)

	calls := 0
	fn := func(context.Context) (int, []byte, error) {
		calls++
		store.staged = append(store.staged, "hold")
		return http.StatusOK, []byte(`{"status":"approved"}`), nil
	}

	_, err := guard.Execute(ctx, approveRequest("k-atomic"), fn)
	require.ErrorIs(t, err, store.insertErr)
	require.Empty(t, store.committed)
	_, err = store.Get(ctx, "k-atomic")
	require.ErrorIs(t, err, shared.ErrNotFound)

	store.insertErr = nil
	first, err := guard.Execute(ctx, approveRequest("k-atomic"), fn)
	require.NoError(t, err)
	require.False(t, first.Replayed)
	require.Equal(t, []string{"hold"}, store.committed)

	again, err := guard.Execute(ctx, approveRequest("k-atomic"), fn)
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.Body, again.Body)
	require.Equal(t, 2, calls)
	require.Equal(t, []string{"hold"}, store.committed)
}

type failingStore struct {
	*MemoryStore
	err error
}

func (s failingStore) Insert(context.Context, Record) error { return s.err }

func TestExecuteReportsRecordWriteFailure(t *testing.T) {
	store := failingStore{MemoryStore: NewMemoryStore(), err: errors.New("disk full")}
	guard := NewGuard(store, NewLocalLocker(time.Second), Config{}, nil)

	out, err := guard.Execute(context.Background(), approveRequest("k-fail"), func(context.Context) (int, []byte, error) {
		return http.StatusOK, []byte(`{}`), nil
	})
	require.ErrorIs(t, err, store.err)
	require.Zero(t, out.StatusCode)
}

func TestExecuteReplaysWinnerWhenRecordRaced(t *testing.T) {
	ctx := context.Background()
	store := &stagingStore{MemoryStore: NewMemoryStore()}
	guard := NewGuard(store, NewLocalLocker(time.Second), Config{TTL: time.Hour}, nil)

	// another process stores the key while this execution is running
	raced, err := guard.Execute(ctx, approveRequest("k-race"), func(ctx context.Context) (int, []byte, error) {
		store.staged = append(store.staged, "loser")
		now := time.Now().UTC()
		require.NoError(t, store.MemoryStore.Insert(ctx, Record{
			Key: "k-race", Scope: "job.approve", Fingerprint: approveRequest("k-race").Fingerprint,
			StatusCode: http.StatusOK, Result: []byte(`"winner"`), CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		}))
		return http.StatusOK, []byte(`"loser"`), nil
	})
	require.NoError(t, err)
	require.True(t, raced.Replayed)
	require.Equal(t, []byte(`"winner"`), raced.Body)
	require.Empty(t, store.committed)

	out, err := guard.Execute(ctx, approveRequest("k-race"), nil)
	require.NoError(t, err)
	require.True(t, out.Replayed)
	require.Equal(t, []byte(`"winner"`), out.Body)
}

func TestExecuteTreatsExpiredRecordAsNew(t *testing.T) {
	ctx := context.Background()
	guard, store := newRedisGuard(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	guard.SetClock(func() time.Time { return now })

	calls := 0
	fn := func(context.Context) (int, []byte, error) {
		calls++
		return http.StatusOK, []byte(`{}`), nil
	}
	_, err := guard.Execute(ctx, approveRequest("k-4"), fn)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	out, err := guard.Execute(ctx, approveRequest("k-4"), fn)
	require.NoError(t, err)
	require.False(t, out.Replayed)
	require.Equal(t, 2, calls)

	rec, err := store.Get(ctx, "k-4")
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Hour), rec.ExpiresAt)

	now = now.Add(3 * time.Hour)
	purged, err := guard.Purge(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)
}

func TestExecuteRequiresKey(t *testing.T) {
	guard, _ := newRedisGuard(t)
	_, err := guard.Execute(context.Background(), Request{Scope: "job.approve", Fingerprint: "x"}, nil)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestConcurrentExecutionsRunOnce(t *testing.T) {
	ctx := context.Background()
	guard := NewGuard(NewMemoryStore(), NewLocalLocker(5*time.Second), Config{}, nil)

	var calls atomic.Int32
	fn := func(context.Context) (int, []byte, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return http.StatusOK, []byte(`{"ok":true}`), nil
	}

	const workers = 8
	var wg sync.WaitGroup
	var replays atomic.Int32
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := guard.Execute(ctx, approveRequest("k-5"), fn)
			if err != nil {
				errs <- err
				return
			}
			if out.Replayed {
				replays.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, calls.Load())
	require.EqualValues(t, workers-1, replays.Load())
}

func TestLocalLockerTimesOut(t *testing.T) {
	locker := NewLocalLocker(30 * time.Millisecond)
	release, err := locker.Acquire(context.Background(), "k", 0)
	require.NoError(t, err)
	defer release()

	_, err = locker.Acquire(context.Background(), "k", 0)
	require.ErrorIs(t, err, shared.ErrRequestInFlight)
}

func TestDoDecodesReplayedResult(t *testing.T) {
	ctx := context.Background()
	guard, _ := newRedisGuard(t)
	type result struct {
		Status string `json:"status"`
		Amount int64  `json:"amount"`
	}
	calls := 0
	fn := func(context.Context) (result, error) {
		calls++
		return result{Status: "completed", Amount: 10000}, nil
	}

	first, replayed, err := Do(ctx, guard, approveRequest("k-6"), fn)
	require.NoError(t, err)
	require.False(t, replayed)

	second, replayed, err := Do(ctx, guard, approveRequest("k-6"), fn)
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, first, second)
	require.Equal(t, 1, calls)
}

func TestFingerprintSeparatesParts(t *testing.T) {
	require.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
	require.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
	require.Len(t, Fingerprint("x"), 64)
}
