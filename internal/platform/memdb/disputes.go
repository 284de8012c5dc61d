package memdb

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/sparkle-hq/jobcore/internal/dispute"
	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/lifecycle"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

type disputeRepo struct{ s *Store }

var _ dispute.Repository = disputeRepo{}
var _ dispute.TxRepository = disputeTx{}

func (r disputeRepo) WithTx(ctx context.Context, fn func(context.Context, dispute.TxRepository) error) error {
	return r.s.withTx(func(st *state) error {
		return fn(ctx, disputeTx{st})
	})
}

func (r disputeRepo) Get(_ context.Context, id uuid.UUID) (dispute.Dispute, error) {
	var (
		d   dispute.Dispute
		err error
	)
	r.s.read(func(st *state) { d, err = disputeTx{st}.get(id) })
	return d, err
}

func (r disputeRepo) ListByJob(_ context.Context, jobID uuid.UUID) ([]dispute.Dispute, error) {
	var out []dispute.Dispute
	r.s.read(func(st *state) {
		for _, d := range st.disputes {
			if d.JobID == jobID {
				out = append(out, d)
			}
		}
	})
	slices.SortFunc(out, func(a, b dispute.Dispute) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

type disputeTx struct{ st *state }

func (t disputeTx) Jobs() lifecycle.TxRepository { return jobTx{t.st} }

func (t disputeTx) Ledger() ledger.TxRepository { return ledgerTx{t.st} }

func (t disputeTx) get(id uuid.UUID) (dispute.Dispute, error) {
	d, ok := t.st.disputes[id]
	if !ok {
		return dispute.Dispute{}, shared.ErrNotFound
	}
	return d, nil
}

func (t disputeTx) Get(_ context.Context, id uuid.UUID) (dispute.Dispute, error) {
	return t.get(id)
}

func (t disputeTx) Insert(ctx context.Context, d dispute.Dispute) error {
	if _, err := t.OpenForJob(ctx, d.JobID); err == nil {
		return fmt.Errorf("%w: job already has an open dispute", shared.ErrInvalidState)
	}
	t.st.disputes[d.ID] = d
	return nil
}

func (t disputeTx) OpenForJob(_ context.Context, jobID uuid.UUID) (dispute.Dispute, error) {
	for _, d := range t.st.disputes {
		if d.JobID == jobID && d.IsOpen() {
			return d, nil
		}
	}
	return dispute.Dispute{}, shared.ErrNotFound
}

func (t disputeTx) Resolve(_ context.Context, d dispute.Dispute) error {
	current, ok := t.st.disputes[d.ID]
	if !ok {
		return shared.ErrNotFound
	}
	if !current.IsOpen() {
		return fmt.Errorf("%w: dispute %s is no longer open", shared.ErrConcurrencyConflict, d.ID)
	}
	t.st.disputes[d.ID] = d
	return nil
}
