package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/sparkle-hq/jobcore/internal/jobs"
	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/lifecycle"
	"github.com/sparkle-hq/jobcore/jobs"
)

type fakePurger struct {
	removed int64
	err     error
}

func (f fakePurger) Purge(context.Context) (int64, error) { return f.removed, f.err }

type fakeHolds struct {
	asked time.Duration
	holds []ledger.Entry
}

func (f *fakeHolds) StaleHolds(_ context.Context, olderThan time.Duration) ([]ledger.Entry, error) {
	f.asked = olderThan
	return f.holds, nil
}

type recordingSink struct {
	got []jobs.TransitionPayload
	err error
}

func (s *recordingSink) Deliver(_ context.Context, tr jobs.TransitionPayload) error {
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, tr)
	return nil
}

type fakeQueue struct {
	tasks []*asynq.Task
	err   error
}

func (q *fakeQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func newMetrics(t *testing.T) (*jobmetrics.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return jobmetrics.NewMetrics(reg), reg
}

func TestIdempotencyPurgeCountsRemoved(t *testing.T) {
	metrics, reg := newMetrics(t)
	job := jobs.NewIdempotencyPurgeJob(fakePurger{removed: 7}, nil, metrics)

	require.NoError(t, job.Handle(context.Background(), jobs.NewIdempotencyPurgeTask()))

	count, err := testutil.GatherAndCount(reg, "jobcore_idempotency_purged_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	failing := jobs.NewIdempotencyPurgeJob(fakePurger{err: errors.New("db down")}, nil, metrics)
	require.Error(t, failing.Handle(context.Background(), jobs.NewIdempotencyPurgeTask()))
}

func TestStaleHoldScanUsesPayloadThreshold(t *testing.T) {
	metrics, _ := newMetrics(t)
	jobID := uuid.New()
	holds := &fakeHolds{holds: []ledger.Entry{
		{ID: uuid.New(), AccountID: "client-1", JobID: &jobID, Type: ledger.EntrySpend, Status: ledger.StatusPending, Amount: -5000},
		{ID: uuid.New(), AccountID: "client-2", Type: ledger.EntrySpend, Status: ledger.StatusPending, Amount: -1200},
	}}
	job := jobs.NewStaleHoldScanJob(holds, 72*time.Hour, nil, metrics)

	task, err := jobs.NewStaleHoldScanTask(6 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 6*time.Hour, holds.asked)

	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(jobs.TaskStaleHoldScan, nil)))
	assert.Equal(t, 72*time.Hour, holds.asked)

	err = job.Handle(context.Background(), asynq.NewTask(jobs.TaskStaleHoldScan, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNotifierEnqueuesTransition(t *testing.T) {
	queue := &fakeQueue{}
	notifier := jobs.NewNotifier(queue, nil)
	tr := lifecycle.Transition{
		ID:        uuid.New(),
		JobID:     uuid.New(),
		From:      lifecycle.StatusInProgress,
		To:        lifecycle.StatusAwaitingApproval,
		ActorID:   "cleaner-1",
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	require.NoError(t, notifier.NotifyTransition(context.Background(), tr))
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, jobs.TaskTransitionNotify, queue.tasks[0].Type())

	var payload jobs.TransitionPayload
	require.NoError(t, json.Unmarshal(queue.tasks[0].Payload(), &payload))
	assert.Equal(t, tr.ID, payload.TransitionID)
	assert.Equal(t, "awaiting_approval", payload.To)

	queue.err = asynq.ErrTaskIDConflict
	assert.NoError(t, notifier.NotifyTransition(context.Background(), tr), "duplicates are absorbed")

	queue.err = errors.New("redis down")
	assert.Error(t, notifier.NotifyTransition(context.Background(), tr))
}

func TestTransitionNotifyDeliversToSink(t *testing.T) {
	metrics, reg := newMetrics(t)
	sink := &recordingSink{}
	job := jobs.NewTransitionNotifyJob(sink, nil, metrics)

	task, err := jobs.NewTransitionNotifyTask(lifecycle.Transition{
		ID: uuid.New(), JobID: uuid.New(), From: lifecycle.StatusAwaitingApproval, To: lifecycle.StatusCompleted, ActorID: "client-1",
	})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, sink.got, 1)
	assert.Equal(t, "completed", sink.got[0].To)

	count, err := testutil.GatherAndCount(reg, "jobcore_transition_notifications_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	sink.err = errors.New("webhook 503")
	assert.Error(t, job.Handle(context.Background(), task))
	assert.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(jobs.TaskTransitionNotify, []byte("nope"))), asynq.SkipRetry)
}
