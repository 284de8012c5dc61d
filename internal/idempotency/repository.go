package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sparkle-hq/jobcore/internal/platform/db"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

var (
	_ Store  = (*PGStore)(nil)
	_ Atomic = (*PGStore)(nil)
)

// PGStore keeps idempotency records in PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs the store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Get(ctx context.Context, key string) (Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, `
		SELECT key, scope, fingerprint, status_code, result, created_at, expires_at
		FROM idempotency_records WHERE key = $1`, key).
		Scan(&rec.Key, &rec.Scope, &rec.Fingerprint, &rec.StatusCode, &rec.Result, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, shared.ErrNotFound
	}
	return rec, err
}

// RunInTx runs fn in one transaction with the command's repository writes and
// the record insert.
func (s *PGStore) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return db.RunInTx(ctx, s.pool, fn)
}

// Insert writes the record, inside the RunInTx transaction when ctx has one.
func (s *PGStore) Insert(ctx context.Context, rec Record) error {
	var exec func(context.Context, string, ...any) (pgconn.CommandTag, error) = s.pool.Exec
	if tx, ok := db.Tx(ctx); ok {
		exec = tx.Exec
	}
	_, err := exec(ctx, `
		INSERT INTO idempotency_records (key, scope, fingerprint, status_code, result, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Key, rec.Scope, rec.Fingerprint, rec.StatusCode, rec.Result, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1`, key)
	return err
}

func (s *PGStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MemoryStore is an in-process Store used by the memory driver and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, shared.ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key]; ok {
		return ErrDuplicateKey
	}
	s.records[rec.Key] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.records {
		if rec.Expired(before) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}
