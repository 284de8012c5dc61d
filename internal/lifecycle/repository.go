package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/platform/db"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

// Repository defines job data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetJob(ctx context.Context, id uuid.UUID) (Job, error)
	ListTransitions(ctx context.Context, jobID uuid.UUID) ([]Transition, error)
}

// TxRepository defines job writes inside a transaction. Ledger exposes the
// ledger repository bound to the same transaction.
type TxRepository interface {
	InsertJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id uuid.UUID) (Job, error)
	// UpdateJob writes job only if the stored row still has the expected
	// status and version; otherwise it returns ErrConcurrencyConflict.
	UpdateJob(ctx context.Context, job Job, expected Status, expectedVersion int64) error
	InsertTransition(ctx context.Context, tr Transition) error
	Ledger() ledger.TxRepository
}

var _ Repository = (*pgRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed job repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

// NewTxRepository binds job writes to an open transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &pgTxRepository{tx: tx, ledger: ledger.NewTxRepository(tx)}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

const jobColumns = `id, client_id, cleaner_id, status, scheduled_start, scheduled_end, actual_start, actual_end,
	escrow_amount, lat, lng, address, hold_entry_id, paused_at, paused_seconds, completed_at, rating,
	version, created_at, updated_at`

func (r *pgRepository) GetJob(ctx context.Context, id uuid.UUID) (Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (r *pgRepository) ListTransitions(ctx context.Context, jobID uuid.UUID) ([]Transition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, from_status, to_status, actor_id, reason, created_at
		FROM job_transitions WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var from, to string
		if err := rows.Scan(&tr.ID, &tr.JobID, &from, &to, &tr.ActorID, &tr.Reason, &tr.CreatedAt); err != nil {
			return nil, err
		}
		tr.From, tr.To = Status(from), Status(to)
		out = append(out, tr)
	}
	return out, rows.Err()
}

type pgTxRepository struct {
	tx     pgx.Tx
	ledger ledger.TxRepository
}

func (r *pgTxRepository) Ledger() ledger.TxRepository {
	return r.ledger
}

func (r *pgTxRepository) GetJob(ctx context.Context, id uuid.UUID) (Job, error) {
	return scanJob(r.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (r *pgTxRepository) InsertJob(ctx context.Context, j Job) error {
	start, end := actualBounds(j)
	_, err := r.tx.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		j.ID, j.ClientID, j.CleanerID, string(j.Status), j.ScheduledStart, j.ScheduledEnd, start, end,
		j.EscrowAmount, j.Location.Lat, j.Location.Lng, j.Address, j.HoldEntryID, j.PausedAt, j.PausedSeconds,
		j.CompletedAt, j.Rating, j.Version, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r *pgTxRepository) UpdateJob(ctx context.Context, j Job, expected Status, expectedVersion int64) error {
	start, end := actualBounds(j)
	tag, err := r.tx.Exec(ctx, `
		UPDATE jobs SET cleaner_id = $2, status = $3, actual_start = $4, actual_end = $5, paused_at = $6,
		    paused_seconds = $7, completed_at = $8, rating = $9, version = $10, updated_at = $11
		WHERE id = $1 AND status = $12 AND version = $13`,
		j.ID, j.CleanerID, string(j.Status), start, end, j.PausedAt, j.PausedSeconds, j.CompletedAt, j.Rating,
		j.Version, j.UpdatedAt, string(expected), expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job %s changed since it was read", shared.ErrConcurrencyConflict, j.ID)
	}
	return nil
}

func (r *pgTxRepository) InsertTransition(ctx context.Context, tr Transition) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO job_transitions (id, job_id, from_status, to_status, actor_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tr.ID, tr.JobID, string(tr.From), string(tr.To), tr.ActorID, tr.Reason, tr.CreatedAt)
	return err
}

func actualBounds(j Job) (*time.Time, *time.Time) {
	if j.ActualWindow == nil {
		return nil, nil
	}
	start := j.ActualWindow.Start
	return &start, j.ActualWindow.End
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		j      Job
		status string
		start  *time.Time
		end    *time.Time
	)
	err := row.Scan(&j.ID, &j.ClientID, &j.CleanerID, &status, &j.ScheduledStart, &j.ScheduledEnd, &start, &end,
		&j.EscrowAmount, &j.Location.Lat, &j.Location.Lng, &j.Address, &j.HoldEntryID, &j.PausedAt, &j.PausedSeconds,
		&j.CompletedAt, &j.Rating, &j.Version, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, shared.ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.Status, err = ParseStatus(status)
	if err != nil {
		return Job{}, err
	}
	if start != nil {
		j.ActualWindow = &Window{Start: *start, End: end}
	}
	return j, nil
}
