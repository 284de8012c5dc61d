package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sparkle-hq/jobcore/internal/platform/db"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

// Repository defines ledger data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	Totals(ctx context.Context, accountID string) (Totals, error)
	ListEntries(ctx context.Context, accountID string, limit, offset int) ([]Entry, int, error)
	PendingHoldsBefore(ctx context.Context, before time.Time) ([]Entry, error)
	// Resolutions returns the resolution entry of each resolved hold, keyed by
	// hold ID. Unresolved holds are absent.
	Resolutions(ctx context.Context, holdIDs []uuid.UUID) (map[uuid.UUID]Entry, error)
}

// TxRepository defines ledger operations that run inside a transaction shared
// with the caller.
type TxRepository interface {
	LockAccount(ctx context.Context, accountID string) error
	// ClaimAccount serialises balance-checked writes on the account. It must
	// run before Totals; a claim committed by a concurrent transaction after
	// this one's snapshot fails with shared.ErrConcurrencyConflict.
	ClaimAccount(ctx context.Context, accountID string) error
	Totals(ctx context.Context, accountID string) (Totals, error)
	InsertEntry(ctx context.Context, entry Entry) error
	GetEntry(ctx context.Context, id uuid.UUID) (Entry, error)
	FindResolution(ctx context.Context, holdID uuid.UUID) (Entry, error)
	FindByIdempotencyKey(ctx context.Context, accountID, key string) (Entry, error)
	SumForJob(ctx context.Context, accountID string, jobID uuid.UUID) (int64, error)
	FrozenCredits(ctx context.Context, accountID string) (int64, error)

	InsertFreeze(ctx context.Context, freeze Freeze) error
	GetFreeze(ctx context.Context, jobID uuid.UUID) (Freeze, error)
	LiftFreeze(ctx context.Context, jobID uuid.UUID, at time.Time) error
}

// ErrDuplicateResolution is returned when a second resolution races the first
// past the unique index on hold_id.
var ErrDuplicateResolution = errors.New("hold resolution already written")

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed ledger repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

// NewTxRepository binds ledger writes to a transaction opened by another
// package, so job status and ledger resolution commit together.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &pgTxRepository{q: tx}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

func (r *pgRepository) Totals(ctx context.Context, accountID string) (Totals, error) {
	return selectTotals(ctx, r.pool, accountID)
}

const entryColumns = `id, account_id, job_id, hold_id, type, amount, status, idempotency_key, memo, created_at`

func (r *pgRepository) ListEntries(ctx context.Context, accountID string, limit, offset int) ([]Entry, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE account_id = $1`, accountID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	entries, err := scanEntries(rows)
	return entries, total, err
}

func (r *pgRepository) PendingHoldsBefore(ctx context.Context, before time.Time) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries h
		WHERE h.type = 'spend' AND h.status = 'pending' AND h.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM ledger_entries r WHERE r.hold_id = h.id)
		ORDER BY h.created_at`, before)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (r *pgRepository) Resolutions(ctx context.Context, holdIDs []uuid.UUID) (map[uuid.UUID]Entry, error) {
	out := make(map[uuid.UUID]Entry, len(holdIDs))
	if len(holdIDs) == 0 {
		return out, nil
	}
	ids := make([]string, len(holdIDs))
	for i, id := range holdIDs {
		ids[i] = id.String()
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries WHERE hold_id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		out[*e.HoldID] = e
	}
	return out, nil
}

type pgTxRepository struct {
	q querier
}

func (r *pgTxRepository) LockAccount(ctx context.Context, accountID string) error {
	_, err := r.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, shared.AccountLockKey(accountID))
	return err
}

func (r *pgTxRepository) ClaimAccount(ctx context.Context, accountID string) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO ledger_accounts (account_id, version, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (account_id) DO UPDATE
		SET version = ledger_accounts.version + 1, updated_at = NOW()`, accountID)
	return db.Classify(err)
}

func (r *pgTxRepository) Totals(ctx context.Context, accountID string) (Totals, error) {
	return selectTotals(ctx, r.q, accountID)
}

func (r *pgTxRepository) InsertEntry(ctx context.Context, e Entry) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.AccountID, e.JobID, e.HoldID, string(e.Type), e.Amount, string(e.Status), e.IdempotencyKey, e.Memo, e.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "ledger_entries_hold_id_key") {
			return ErrDuplicateResolution
		}
		return err
	}
	return nil
}

func (r *pgTxRepository) GetEntry(ctx context.Context, id uuid.UUID) (Entry, error) {
	return scanEntry(r.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
}

func (r *pgTxRepository) FindResolution(ctx context.Context, holdID uuid.UUID) (Entry, error) {
	return scanEntry(r.q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE hold_id = $1`, holdID))
}

func (r *pgTxRepository) FindByIdempotencyKey(ctx context.Context, accountID, key string) (Entry, error) {
	return scanEntry(r.q.QueryRow(ctx, `SELECT `+entryColumns+`
		FROM ledger_entries WHERE account_id = $1 AND idempotency_key = $2`, accountID, key))
}

func (r *pgTxRepository) SumForJob(ctx context.Context, accountID string, jobID uuid.UUID) (int64, error) {
	var sum int64
	err := r.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_entries
		WHERE account_id = $1 AND job_id = $2 AND status = 'posted'`, accountID, jobID).Scan(&sum)
	return sum, err
}

func (r *pgTxRepository) FrozenCredits(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := r.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(e.amount), 0)
		FROM ledger_entries e
		JOIN payout_freezes f ON f.job_id = e.job_id AND f.lifted_at IS NULL
		WHERE e.account_id = $1 AND e.status = 'posted'`, accountID).Scan(&sum)
	return sum, err
}

func (r *pgTxRepository) InsertFreeze(ctx context.Context, f Freeze) error {
	// a job is frozen at most once at a time; re-opening after a lift replaces the row
	_, err := r.q.Exec(ctx, `
		INSERT INTO payout_freezes (job_id, reason, frozen_at, lifted_at)
		VALUES ($1, $2, $3, NULL)
		ON CONFLICT (job_id) DO UPDATE SET reason = EXCLUDED.reason, frozen_at = EXCLUDED.frozen_at, lifted_at = NULL`,
		f.JobID, f.Reason, f.FrozenAt)
	return err
}

func (r *pgTxRepository) GetFreeze(ctx context.Context, jobID uuid.UUID) (Freeze, error) {
	var f Freeze
	err := r.q.QueryRow(ctx, `SELECT job_id, reason, frozen_at, lifted_at FROM payout_freezes WHERE job_id = $1`, jobID).
		Scan(&f.JobID, &f.Reason, &f.FrozenAt, &f.LiftedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Freeze{}, shared.ErrNotFound
	}
	return f, err
}

func (r *pgTxRepository) LiftFreeze(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	_, err := r.q.Exec(ctx, `UPDATE payout_freezes SET lifted_at = $2 WHERE job_id = $1 AND lifted_at IS NULL`, jobID, at)
	return err
}

func selectTotals(ctx context.Context, q querier, accountID string) (Totals, error) {
	var t Totals
	var last *time.Time
	err := q.QueryRow(ctx, `
		SELECT
		  COALESCE(SUM(e.amount) FILTER (WHERE e.status = 'posted'), 0),
		  COALESCE(SUM(-e.amount) FILTER (WHERE e.type = 'spend' AND e.status = 'pending' AND r.id IS NULL), 0),
		  MAX(e.created_at)
		FROM ledger_entries e
		LEFT JOIN ledger_entries r ON r.hold_id = e.id
		WHERE e.account_id = $1`, accountID).Scan(&t.Posted, &t.Held, &last)
	if err != nil {
		return Totals{}, err
	}
	if last != nil {
		t.LastUpdated = *last
	}
	return t, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var typ, status string
	err := row.Scan(&e.ID, &e.AccountID, &e.JobID, &e.HoldID, &typ, &e.Amount, &status, &e.IdempotencyKey, &e.Memo, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, shared.ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	e.Type = EntryType(typ)
	e.Status = EntryStatus(status)
	return e, nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
