package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sparkle-hq/jobcore/internal/shared"
)

// MaxKeyLength bounds client supplied keys.
const MaxKeyLength = 128

// ReplayRecorder observes replays; implemented by observability.Metrics.
type ReplayRecorder interface {
	IdempotentReplay(scope string)
}

// Request identifies one logical client request.
type Request struct {
	Key         string
	Scope       string
	Fingerprint string
}

// Validate checks the key supplied by the client.
func (r Request) Validate() error {
	key := strings.TrimSpace(r.Key)
	if key == "" {
		return fmt.Errorf("%w: idempotency key required", shared.ErrValidation)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: idempotency key longer than %d", shared.ErrValidation, MaxKeyLength)
	}
	if r.Scope == "" {
		return errors.New("idempotency scope required")
	}
	if r.Fingerprint == "" {
		return errors.New("idempotency fingerprint required")
	}
	return nil
}

// Outcome is the result of an execution, either fresh or replayed.
type Outcome struct {
	StatusCode int
	Body       []byte
	Replayed   bool
}

// Guard deduplicates retried mutating requests by client supplied key.
type Guard struct {
	store   Store
	locker  Locker
	ttl     time.Duration
	lockTTL time.Duration
	logger  *slog.Logger
	metrics ReplayRecorder
	now     func() time.Time
}

// Config tunes record and lock lifetimes.
type Config struct {
	TTL     time.Duration
	LockTTL time.Duration
}

// NewGuard constructs the guard.
func NewGuard(store Store, locker Locker, cfg Config, logger *slog.Logger) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, locker: locker, ttl: cfg.TTL, lockTTL: cfg.LockTTL, logger: logger, now: time.Now}
}

// SetMetrics attaches a replay recorder.
func (g *Guard) SetMetrics(m ReplayRecorder) {
	g.metrics = m
}

// SetClock overrides the time source.
func (g *Guard) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Execute runs fn at most once per key. A repeated key with a matching
// fingerprint returns the stored outcome without calling fn; a mismatching
// fingerprint is ErrIdempotencyConflict. Failed executions are not stored so
// the caller can retry with the same key. When the store is Atomic, fn and
// the record commit together and a failed record write undoes fn.
func (g *Guard) Execute(ctx context.Context, req Request, fn func(context.Context) (int, []byte, error)) (Outcome, error) {
	if g == nil {
		return Outcome{}, errors.New("idempotency guard not initialised")
	}
	if err := req.Validate(); err != nil {
		return Outcome{}, err
	}
	release, err := g.locker.Acquire(ctx, shared.IdempotencyLockKey(req.Scope, req.Key), g.lockTTL)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	rec, err := g.store.Get(ctx, req.Key)
	switch {
	case err == nil:
		if rec.Expired(g.now()) {
			if err := g.store.Delete(ctx, req.Key); err != nil {
				return Outcome{}, fmt.Errorf("drop expired idempotency record: %w", err)
			}
			break
		}
		return g.replay(rec, req)
	case errors.Is(err, shared.ErrNotFound):
	default:
		return Outcome{}, fmt.Errorf("load idempotency record: %w", err)
	}

	var (
		out    Outcome
		raced  bool
		insErr error
	)
	run := func(ctx context.Context) error {
		status, body, err := fn(ctx)
		if err != nil {
			return err
		}
		now := g.now().UTC()
		insErr = g.store.Insert(ctx, Record{
			Key:         req.Key,
			Scope:       req.Scope,
			Fingerprint: req.Fingerprint,
			StatusCode:  status,
			Result:      body,
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.ttl),
		})
		if insErr != nil {
			raced = errors.Is(insErr, ErrDuplicateKey)
			return fmt.Errorf("store idempotency record: %w", insErr)
		}
		out = Outcome{StatusCode: status, Body: body}
		return nil
	}
	if atomic, ok := g.store.(Atomic); ok {
		err = atomic.RunInTx(ctx, run)
	} else {
		err = run(ctx)
	}
	switch {
	case err == nil:
		return out, nil
	case raced:
		// lock expired under a slow execution; the first writer wins
		stored, getErr := g.store.Get(ctx, req.Key)
		if getErr != nil {
			return Outcome{}, fmt.Errorf("reload idempotency record: %w", getErr)
		}
		g.logger.Warn("idempotency record raced", slog.String("scope", req.Scope))
		return g.replay(stored, req)
	case insErr != nil:
		g.logger.Error("store idempotency record", slog.String("scope", req.Scope), slog.Any("error", insErr))
	}
	return Outcome{}, err
}

func (g *Guard) replay(rec Record, req Request) (Outcome, error) {
	if rec.Fingerprint != req.Fingerprint {
		return Outcome{}, shared.ErrIdempotencyConflict
	}
	if g.metrics != nil {
		g.metrics.IdempotentReplay(req.Scope)
	}
	return Outcome{StatusCode: rec.StatusCode, Body: rec.Result, Replayed: true}, nil
}

// Purge removes records whose window has elapsed.
func (g *Guard) Purge(ctx context.Context) (int64, error) {
	if g == nil {
		return 0, nil
	}
	return g.store.Purge(ctx, g.now().UTC())
}

// Do is the typed form of Execute for in-process callers: the result is
// snapshotted as JSON and decoded again on replay.
func Do[T any](ctx context.Context, g *Guard, req Request, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	out, err := g.Execute(ctx, req, func(ctx context.Context) (int, []byte, error) {
		res, err := fn(ctx)
		if err != nil {
			return 0, nil, err
		}
		body, err := json.Marshal(res)
		if err != nil {
			return 0, nil, fmt.Errorf("snapshot result: %w", err)
		}
		return http.StatusOK, body, nil
	})
	if err != nil {
		return zero, false, err
	}
	var res T
	if err := json.Unmarshal(out.Body, &res); err != nil {
		return zero, out.Replayed, fmt.Errorf("decode idempotent result: %w", err)
	}
	return res, out.Replayed, nil
}
