package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/sparkle-hq/jobcore/internal/jobs"
)

// Sink receives transition notifications. Implementations must tolerate
// duplicates; delivery is at least once.
type Sink interface {
	Deliver(ctx context.Context, tr TransitionPayload) error
}

// LogSink writes notifications to the log. It stands in for the external
// notification fan-out in local runs.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver logs tr.
func (s LogSink) Deliver(_ context.Context, tr TransitionPayload) error {
	logger(s.Logger).Info("job transition",
		slog.String("job_id", tr.JobID.String()),
		slog.String("from", tr.From),
		slog.String("to", tr.To),
		slog.String("actor_id", tr.ActorID),
		slog.Time("occurred_at", tr.OccurredAt))
	return nil
}

// TransitionNotifyJob hands queued transitions to a Sink.
type TransitionNotifyJob struct {
	Sink    Sink
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewTransitionNotifyJob initialises the notify handler.
func NewTransitionNotifyJob(sink Sink, logger *slog.Logger, metrics *jobmetrics.Metrics) *TransitionNotifyJob {
	return &TransitionNotifyJob{Sink: sink, Logger: logger, Metrics: metrics}
}

// Handle delivers one transition.
func (j *TransitionNotifyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sink == nil {
		return errors.New("transition notify: handler not configured")
	}
	var payload TransitionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("transition notify: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskTransitionNotify)
	defer func() { err = tracker.End(err) }()

	if err := j.Sink.Deliver(ctx, payload); err != nil {
		logger(j.Logger).Warn("transition delivery failed",
			slog.String("transition_id", payload.TransitionID.String()),
			slog.Any("error", err))
		return err
	}
	j.Metrics.AddNotified(payload.To)
	return nil
}
