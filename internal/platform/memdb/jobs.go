package memdb

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/lifecycle"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

type jobRepo struct{ s *Store }

var _ lifecycle.Repository = jobRepo{}
var _ lifecycle.TxRepository = jobTx{}

func (r jobRepo) WithTx(ctx context.Context, fn func(context.Context, lifecycle.TxRepository) error) error {
	return r.s.withTx(func(st *state) error {
		return fn(ctx, jobTx{st})
	})
}

func (r jobRepo) GetJob(_ context.Context, id uuid.UUID) (lifecycle.Job, error) {
	var (
		job lifecycle.Job
		err error
	)
	r.s.read(func(st *state) { job, err = jobTx{st}.getJob(id) })
	return job, err
}

func (r jobRepo) ListTransitions(_ context.Context, jobID uuid.UUID) ([]lifecycle.Transition, error) {
	var out []lifecycle.Transition
	r.s.read(func(st *state) {
		for _, tr := range st.transitions {
			if tr.JobID == jobID {
				out = append(out, tr)
			}
		}
	})
	return out, nil
}

type jobTx struct{ st *state }

func (t jobTx) Ledger() ledger.TxRepository { return ledgerTx{t.st} }

func (t jobTx) getJob(id uuid.UUID) (lifecycle.Job, error) {
	job, ok := t.st.jobs[id]
	if !ok {
		return lifecycle.Job{}, shared.ErrNotFound
	}
	return job, nil
}

func (t jobTx) GetJob(_ context.Context, id uuid.UUID) (lifecycle.Job, error) {
	return t.getJob(id)
}

func (t jobTx) InsertJob(_ context.Context, job lifecycle.Job) error {
	if _, ok := t.st.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	t.st.jobs[job.ID] = job
	return nil
}

func (t jobTx) UpdateJob(_ context.Context, job lifecycle.Job, expected lifecycle.Status, expectedVersion int64) error {
	current, ok := t.st.jobs[job.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if current.Status != expected || current.Version != expectedVersion {
		return fmt.Errorf("%w: job %s changed since it was read", shared.ErrConcurrencyConflict, job.ID)
	}
	t.st.jobs[job.ID] = job
	return nil
}

func (t jobTx) InsertTransition(_ context.Context, tr lifecycle.Transition) error {
	t.st.transitions = append(t.st.transitions, tr)
	return nil
}
