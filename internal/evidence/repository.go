package evidence

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists evidence rows. Rows are insert-only.
type Repository interface {
	InsertCheckIn(ctx context.Context, ev CheckInEvent) error
	InsertPhoto(ctx context.Context, photo Photo) error
	ListCheckIns(ctx context.Context, jobID uuid.UUID) ([]CheckInEvent, error)
	ListPhotos(ctx context.Context, jobID uuid.UUID) ([]Photo, error)
}

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed evidence repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) InsertCheckIn(ctx context.Context, ev CheckInEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO check_in_events (id, job_id, kind, source, lat, lng, accuracy_m,
		    distance_from_job_m, within_radius, recorded_by, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ev.ID, ev.JobID, string(ev.Kind), string(ev.Source), ev.Lat, ev.Lng, ev.AccuracyMeters,
		ev.DistanceFromJobMeters, ev.WithinRadius, ev.RecordedBy, ev.Note, ev.CreatedAt)
	return err
}

func (r *pgRepository) InsertPhoto(ctx context.Context, photo Photo) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO photo_evidence (id, job_id, kind, url, uploaded_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		photo.ID, photo.JobID, string(photo.Kind), photo.URL, photo.UploadedBy, photo.CreatedAt)
	return err
}

func (r *pgRepository) ListCheckIns(ctx context.Context, jobID uuid.UUID) ([]CheckInEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, kind, source, lat, lng, accuracy_m, distance_from_job_m,
		       within_radius, recorded_by, note, created_at
		FROM check_in_events
		WHERE job_id = $1
		ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []CheckInEvent
	for rows.Next() {
		var ev CheckInEvent
		var kind, source string
		if err := rows.Scan(&ev.ID, &ev.JobID, &kind, &source, &ev.Lat, &ev.Lng, &ev.AccuracyMeters,
			&ev.DistanceFromJobMeters, &ev.WithinRadius, &ev.RecordedBy, &ev.Note, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Kind = CheckInKind(kind)
		ev.Source = Source(source)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *pgRepository) ListPhotos(ctx context.Context, jobID uuid.UUID) ([]Photo, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, kind, url, uploaded_by, created_at
		FROM photo_evidence
		WHERE job_id = $1
		ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var photos []Photo
	for rows.Next() {
		var p Photo
		var kind string
		if err := rows.Scan(&p.ID, &p.JobID, &kind, &p.URL, &p.UploadedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Kind = PhotoKind(kind)
		photos = append(photos, p)
	}
	return photos, rows.Err()
}
