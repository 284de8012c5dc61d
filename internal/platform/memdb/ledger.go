package memdb

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

type ledgerRepo struct{ s *Store }

var _ ledger.Repository = ledgerRepo{}
var _ ledger.TxRepository = ledgerTx{}

func (r ledgerRepo) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return r.s.withTx(func(st *state) error {
		return fn(ctx, ledgerTx{st})
	})
}

func (r ledgerRepo) Totals(_ context.Context, accountID string) (ledger.Totals, error) {
	var t ledger.Totals
	r.s.read(func(st *state) { t = ledgerTx{st}.totals(accountID) })
	return t, nil
}

func (r ledgerRepo) ListEntries(_ context.Context, accountID string, limit, offset int) ([]ledger.Entry, int, error) {
	var matched []ledger.Entry
	r.s.read(func(st *state) {
		for _, e := range st.entries {
			if e.AccountID == accountID {
				matched = append(matched, e)
			}
		}
	})
	// newest first, matching the SQL ordering
	slices.Reverse(matched)
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

func (r ledgerRepo) Resolutions(_ context.Context, holdIDs []uuid.UUID) (map[uuid.UUID]ledger.Entry, error) {
	out := make(map[uuid.UUID]ledger.Entry, len(holdIDs))
	r.s.read(func(st *state) {
		for _, e := range st.entries {
			if e.HoldID != nil && slices.Contains(holdIDs, *e.HoldID) {
				out[*e.HoldID] = e
			}
		}
	})
	return out, nil
}

func (r ledgerRepo) PendingHoldsBefore(_ context.Context, before time.Time) ([]ledger.Entry, error) {
	var out []ledger.Entry
	r.s.read(func(st *state) {
		tx := ledgerTx{st}
		for _, e := range st.entries {
			if e.IsHold() && e.CreatedAt.Before(before) && !tx.resolved(e.ID) {
				out = append(out, e)
			}
		}
	})
	return out, nil
}

type ledgerTx struct{ st *state }

func (t ledgerTx) resolved(holdID uuid.UUID) bool {
	_, ok := t.find(func(e ledger.Entry) bool { return e.HoldID != nil && *e.HoldID == holdID })
	return ok
}

func (t ledgerTx) find(match func(ledger.Entry) bool) (ledger.Entry, bool) {
	for _, e := range t.st.entries {
		if match(e) {
			return e, true
		}
	}
	return ledger.Entry{}, false
}

func (t ledgerTx) totals(accountID string) ledger.Totals {
	var out ledger.Totals
	for _, e := range t.st.entries {
		if e.AccountID != accountID {
			continue
		}
		if e.CreatedAt.After(out.LastUpdated) {
			out.LastUpdated = e.CreatedAt
		}
		switch {
		case e.Status == ledger.StatusPosted:
			out.Posted += e.Amount
		case e.IsHold() && !t.resolved(e.ID):
			out.Held += e.HoldAmount()
		}
	}
	return out
}

// LockAccount is a no-op: the store lock already serialises transactions.
func (t ledgerTx) LockAccount(context.Context, string) error { return nil }

// ClaimAccount is a no-op for the same reason.
func (t ledgerTx) ClaimAccount(context.Context, string) error { return nil }

func (t ledgerTx) Totals(_ context.Context, accountID string) (ledger.Totals, error) {
	return t.totals(accountID), nil
}

func (t ledgerTx) InsertEntry(_ context.Context, e ledger.Entry) error {
	if e.HoldID != nil && t.resolved(*e.HoldID) {
		return ledger.ErrDuplicateResolution
	}
	t.st.entries = append(t.st.entries, e)
	return nil
}

func (t ledgerTx) GetEntry(_ context.Context, id uuid.UUID) (ledger.Entry, error) {
	if e, ok := t.find(func(e ledger.Entry) bool { return e.ID == id }); ok {
		return e, nil
	}
	return ledger.Entry{}, shared.ErrNotFound
}

func (t ledgerTx) FindResolution(_ context.Context, holdID uuid.UUID) (ledger.Entry, error) {
	if e, ok := t.find(func(e ledger.Entry) bool { return e.HoldID != nil && *e.HoldID == holdID }); ok {
		return e, nil
	}
	return ledger.Entry{}, shared.ErrNotFound
}

func (t ledgerTx) FindByIdempotencyKey(_ context.Context, accountID, key string) (ledger.Entry, error) {
	if e, ok := t.find(func(e ledger.Entry) bool {
		return e.AccountID == accountID && e.IdempotencyKey != nil && *e.IdempotencyKey == key
	}); ok {
		return e, nil
	}
	return ledger.Entry{}, shared.ErrNotFound
}

func (t ledgerTx) SumForJob(_ context.Context, accountID string, jobID uuid.UUID) (int64, error) {
	var sum int64
	for _, e := range t.st.entries {
		if e.AccountID == accountID && e.JobID != nil && *e.JobID == jobID && e.Status == ledger.StatusPosted {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (t ledgerTx) FrozenCredits(_ context.Context, accountID string) (int64, error) {
	var sum int64
	for _, e := range t.st.entries {
		if e.AccountID != accountID || e.JobID == nil || e.Status != ledger.StatusPosted {
			continue
		}
		if f, ok := t.st.freezes[*e.JobID]; ok && f.Active() {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (t ledgerTx) InsertFreeze(_ context.Context, f ledger.Freeze) error {
	f.LiftedAt = nil
	t.st.freezes[f.JobID] = f
	return nil
}

func (t ledgerTx) GetFreeze(_ context.Context, jobID uuid.UUID) (ledger.Freeze, error) {
	f, ok := t.st.freezes[jobID]
	if !ok {
		return ledger.Freeze{}, shared.ErrNotFound
	}
	return f, nil
}

func (t ledgerTx) LiftFreeze(_ context.Context, jobID uuid.UUID, at time.Time) error {
	f, ok := t.st.freezes[jobID]
	if !ok || !f.Active() {
		return nil
	}
	f.LiftedAt = &at
	t.st.freezes[jobID] = f
	return nil
}
