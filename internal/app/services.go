package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sparkle-hq/jobcore/internal/dispute"
	"github.com/sparkle-hq/jobcore/internal/evidence"
	"github.com/sparkle-hq/jobcore/internal/idempotency"
	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/lifecycle"
	"github.com/sparkle-hq/jobcore/internal/observability"
	"github.com/sparkle-hq/jobcore/internal/payment"
	"github.com/sparkle-hq/jobcore/internal/platform/cache"
	"github.com/sparkle-hq/jobcore/internal/platform/db"
	"github.com/sparkle-hq/jobcore/internal/platform/memdb"
	"github.com/sparkle-hq/jobcore/internal/shared"
	"github.com/sparkle-hq/jobcore/jobs"
)

// Services is the assembled job core for one store driver.
type Services struct {
	Evidence *evidence.Service
	Ledger   *ledger.Service
	Jobs     *lifecycle.Service
	Disputes *dispute.Service
	Guard    *idempotency.Guard
	Gateway  payment.Gateway

	Pool  *pgxpool.Pool
	Redis *redis.Client
	Queue *jobs.Client

	closers []func() error
}

type repositories struct {
	evidence evidence.Repository
	ledger   ledger.Repository
	jobs     lifecycle.Repository
	disputes dispute.Repository
	audit    shared.AuditRecorder
	idem     idempotency.Store
}

// BuildServices connects the configured backends and wires the services.
func BuildServices(ctx context.Context, cfg *Config, logger *slog.Logger, metrics *observability.Metrics) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Services{}

	var repos repositories
	switch cfg.StoreDriver {
	case DriverMemory:
		store := memdb.New()
		repos = repositories{
			evidence: store.Evidence(),
			ledger:   store.Ledger(),
			jobs:     store.Jobs(),
			disputes: store.Disputes(),
			audit:    store,
			idem:     idempotency.NewMemoryStore(),
		}
	case DriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return nil, err
		}
		svc.Pool = pool
		svc.closers = append(svc.closers, func() error { pool.Close(); return nil })
		repos = repositories{
			evidence: evidence.NewRepository(pool),
			ledger:   ledger.NewRepository(pool),
			jobs:     lifecycle.NewRepository(pool),
			disputes: dispute.NewRepository(pool),
			audit:    shared.NewAuditLogger(pool),
			idem:     idempotency.NewPGStore(pool),
		}
	default:
		return nil, fmt.Errorf("app: unknown store driver %q", cfg.StoreDriver)
	}

	var locker idempotency.Locker = idempotency.NewLocalLocker(lockWait)
	if cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.Redis = client
		svc.closers = append(svc.closers, client.Close)
		locker = idempotency.NewRedisLocker(client, lockWait)

		opt, err := cache.AsynqOpt(cfg.RedisAddr)
		if err != nil {
			svc.Close()
			return nil, err
		}
		svc.Queue = jobs.NewClient(opt)
		svc.closers = append(svc.closers, svc.Queue.Close)
	}

	if cfg.GatewayURL != "" {
		svc.Gateway = payment.NewHTTPGateway(payment.HTTPConfig{
			BaseURL: cfg.GatewayURL,
			APIKey:  cfg.GatewayAPIKey,
			Timeout: cfg.GatewayTimeout,
		}, logger)
	} else {
		logger.Warn("no payment gateway configured, using sandbox")
		svc.Gateway = payment.NewSandbox(cfg.Currency)
	}

	svc.Evidence = evidence.NewService(repos.evidence, cfg.CheckInRadiusMeters)
	svc.Ledger = ledger.NewService(repos.ledger, svc.Gateway, ledger.Config{
		PlatformAccountID: cfg.PlatformAccountID,
		FeeBPS:            cfg.PlatformFeeBPS,
		Currency:          cfg.Currency,
		GatewayTimeout:    cfg.GatewayTimeout,
	}, logger.With(slog.String("component", "ledger")))
	svc.Jobs = lifecycle.NewService(repos.jobs, svc.Evidence, svc.Ledger, repos.audit, logger.With(slog.String("component", "lifecycle")))
	svc.Disputes = dispute.NewService(repos.disputes, svc.Jobs, svc.Ledger, repos.audit, dispute.Config{
		Window:              cfg.DisputeWindow,
		SplitClientShareBPS: cfg.SplitClientShareBPS,
	}, logger.With(slog.String("component", "dispute")))
	svc.Guard = idempotency.NewGuard(repos.idem, locker, idempotency.Config{
		TTL:     cfg.IdempotencyTTL,
		LockTTL: cfg.IdempotencyLockTTL,
	}, logger.With(slog.String("component", "idempotency")))

	if metrics != nil {
		svc.Jobs.SetMetrics(metrics)
		svc.Guard.SetMetrics(metrics)
	}
	if svc.Queue != nil {
		svc.Jobs.SetNotifier(jobs.NewNotifier(svc.Queue, logger))
	}
	return svc, nil
}

// ReadinessProbes reports the backends a request depends on.
func (s *Services) ReadinessProbes() map[string]func(context.Context) error {
	probes := map[string]func(context.Context) error{}
	if s.Pool != nil {
		probes["postgres"] = s.Pool.Ping
	}
	if s.Redis != nil {
		probes["redis"] = func(ctx context.Context) error { return s.Redis.Ping(ctx).Err() }
	}
	return probes
}

// Close releases backend connections in reverse order of acquisition.
func (s *Services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

const (
	// ShutdownTimeout bounds graceful shutdown of servers and workers.
	ShutdownTimeout = 10 * time.Second
	// lockWait is how long a request waits for a concurrent duplicate to finish.
	lockWait = 5 * time.Second
)
