package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/lifecycle"
	"github.com/sparkle-hq/jobcore/internal/platform/db"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

// Repository defines dispute data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	Get(ctx context.Context, id uuid.UUID) (Dispute, error)
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]Dispute, error)
}

// TxRepository writes disputes in the same transaction as the job and ledger.
type TxRepository interface {
	Insert(ctx context.Context, d Dispute) error
	Get(ctx context.Context, id uuid.UUID) (Dispute, error)
	OpenForJob(ctx context.Context, jobID uuid.UUID) (Dispute, error)
	// Resolve stores the ruling only while the dispute is still open.
	Resolve(ctx context.Context, d Dispute) error
	Jobs() lifecycle.TxRepository
	Ledger() ledger.TxRepository
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed dispute repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx, jobs: lifecycle.NewTxRepository(tx)})
	})
}

const disputeColumns = `id, reference, job_id, opened_by, reason, details, status, prior_job_status,
	resolution_entry_ids, resolved_by, resolution_note, created_at, resolved_at`

func (r *pgRepository) Get(ctx context.Context, id uuid.UUID) (Dispute, error) {
	return scanDispute(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

func (r *pgRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]Dispute, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type pgTxRepository struct {
	tx   pgx.Tx
	jobs lifecycle.TxRepository
}

func (r *pgTxRepository) Jobs() lifecycle.TxRepository { return r.jobs }

func (r *pgTxRepository) Ledger() ledger.TxRepository { return r.jobs.Ledger() }

func (r *pgTxRepository) Insert(ctx context.Context, d Dispute) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.Reference, d.JobID, d.OpenedBy, d.Reason, d.Details, string(d.Status), string(d.PriorJobStatus),
		d.ResolutionEntryIDs, d.ResolvedBy, d.ResolutionNote, d.CreatedAt, d.ResolvedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "disputes_one_open_per_job") {
			return fmt.Errorf("%w: job already has an open dispute", shared.ErrInvalidState)
		}
		return err
	}
	return nil
}

func (r *pgTxRepository) Get(ctx context.Context, id uuid.UUID) (Dispute, error) {
	return scanDispute(r.tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

func (r *pgTxRepository) OpenForJob(ctx context.Context, jobID uuid.UUID) (Dispute, error) {
	return scanDispute(r.tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE job_id = $1 AND status = 'open'`, jobID))
}

func (r *pgTxRepository) Resolve(ctx context.Context, d Dispute) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE disputes SET status = $2, resolution_entry_ids = $3, resolved_by = $4, resolution_note = $5, resolved_at = $6
		WHERE id = $1 AND status = 'open'`,
		d.ID, string(d.Status), d.ResolutionEntryIDs, d.ResolvedBy, d.ResolutionNote, d.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: dispute %s is no longer open", shared.ErrConcurrencyConflict, d.ID)
	}
	return nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	var status, prior string
	err := row.Scan(&d.ID, &d.Reference, &d.JobID, &d.OpenedBy, &d.Reason, &d.Details, &status, &prior,
		&d.ResolutionEntryIDs, &d.ResolvedBy, &d.ResolutionNote, &d.CreatedAt, &d.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Dispute{}, shared.ErrNotFound
	}
	if err != nil {
		return Dispute{}, err
	}
	d.Status = Status(status)
	d.PriorJobStatus = lifecycle.Status(prior)
	return d, nil
}
