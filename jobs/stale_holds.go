package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/sparkle-hq/jobcore/internal/jobs"
	"github.com/sparkle-hq/jobcore/internal/ledger"
)

// HoldSource lists pending holds older than a threshold.
type HoldSource interface {
	StaleHolds(ctx context.Context, olderThan time.Duration) ([]ledger.Entry, error)
}

// StaleHoldScanJob reports escrow holds that were never captured or
// released. It only reports; resolution stays with operators.
type StaleHoldScanJob struct {
	Holds   HoldSource
	After   time.Duration
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStaleHoldScanJob initialises the scan handler.
func NewStaleHoldScanJob(holds HoldSource, after time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *StaleHoldScanJob {
	if after <= 0 {
		after = 72 * time.Hour
	}
	return &StaleHoldScanJob{Holds: holds, After: after, Logger: logger, Metrics: metrics}
}

// Handle executes the scan.
func (j *StaleHoldScanJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Holds == nil {
		return errors.New("stale hold scan: handler not configured")
	}
	var payload StaleHoldScanPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("stale hold scan: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	olderThan := payload.OlderThan(j.After)

	tracker := j.Metrics.Track(TaskStaleHoldScan)
	defer func() { err = tracker.End(err) }()

	log := logger(j.Logger).With(slog.Duration("older_than", olderThan))
	holds, err := j.Holds.StaleHolds(ctx, olderThan)
	if err != nil {
		log.Error("stale hold scan failed", slog.Any("error", err))
		return err
	}
	var total int64
	for _, h := range holds {
		total += h.HoldAmount()
		attrs := []any{
			slog.String("hold_id", h.ID.String()),
			slog.String("account_id", h.AccountID),
			slog.Int64("amount", h.HoldAmount()),
			slog.Time("created_at", h.CreatedAt),
		}
		if h.JobID != nil {
			attrs = append(attrs, slog.String("job_id", h.JobID.String()))
		}
		log.Warn("stale escrow hold", attrs...)
	}
	j.Metrics.SetStaleHolds(len(holds))
	log.Info("stale hold scan", slog.Int("holds", len(holds)), slog.Int64("escrowed", total))
	return nil
}
