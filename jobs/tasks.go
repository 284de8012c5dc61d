package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/sparkle-hq/jobcore/internal/lifecycle"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueNotify carries transition notifications; weighted above maintenance work.
	QueueNotify = "notify"

	// TaskIdempotencyPurge removes expired idempotency records.
	TaskIdempotencyPurge = "idempotency:purge"
	// TaskStaleHoldScan reports escrow holds left pending too long.
	TaskStaleHoldScan = "ledger:stale_holds"
	// TaskTransitionNotify delivers one committed job transition.
	TaskTransitionNotify = "job:transition_notify"
)

// StaleHoldScanPayload configures a stale hold scan.
type StaleHoldScanPayload struct {
	OlderThanSeconds int64 `json:"older_than_seconds"`
}

// OlderThan returns the threshold, falling back to def when unset.
func (p StaleHoldScanPayload) OlderThan(def time.Duration) time.Duration {
	if p.OlderThanSeconds <= 0 {
		return def
	}
	return time.Duration(p.OlderThanSeconds) * time.Second
}

// TransitionPayload is the wire form of a committed transition.
type TransitionPayload struct {
	TransitionID uuid.UUID `json:"transition_id"`
	JobID        uuid.UUID `json:"job_id"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	ActorID      string    `json:"actor_id"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NewIdempotencyPurgeTask constructs the purge task.
func NewIdempotencyPurgeTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyPurge, nil)
}

// NewStaleHoldScanTask constructs a stale hold scan for holds older than olderThan.
func NewStaleHoldScanTask(olderThan time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(StaleHoldScanPayload{OlderThanSeconds: int64(olderThan / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStaleHoldScan, data), nil
}

// NewTransitionNotifyTask wraps a transition. The transition id doubles as the
// task id so a re-enqueue of the same transition is rejected by the broker.
func NewTransitionNotifyTask(tr lifecycle.Transition) (*asynq.Task, error) {
	data, err := json.Marshal(TransitionPayload{
		TransitionID: tr.ID,
		JobID:        tr.JobID,
		From:         string(tr.From),
		To:           string(tr.To),
		ActorID:      tr.ActorID,
		Reason:       tr.Reason,
		OccurredAt:   tr.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTransitionNotify, data,
		asynq.TaskID("transition:"+tr.ID.String()),
		asynq.Queue(QueueNotify),
		asynq.MaxRetry(10),
	), nil
}
