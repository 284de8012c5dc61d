package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/sparkle-hq/jobcore/internal/jobs"
)

// Purger deletes expired idempotency records.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// IdempotencyPurgeJob removes expired idempotency records.
type IdempotencyPurgeJob struct {
	Purger  Purger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIdempotencyPurgeJob initialises the purge handler.
func NewIdempotencyPurgeJob(purger Purger, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyPurgeJob {
	return &IdempotencyPurgeJob{Purger: purger, Logger: logger, Metrics: metrics}
}

// Handle executes the purge.
func (j *IdempotencyPurgeJob) Handle(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Purger == nil {
		return errors.New("idempotency purge: handler not configured")
	}
	tracker := j.Metrics.Track(TaskIdempotencyPurge)
	defer func() { err = tracker.End(err) }()

	removed, err := j.Purger.Purge(ctx)
	if err != nil {
		logger(j.Logger).Error("idempotency purge failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddPurged(removed)
	logger(j.Logger).Info("idempotency purge", slog.Int64("removed", removed))
	return nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
