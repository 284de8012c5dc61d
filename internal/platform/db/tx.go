package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sparkle-hq/jobcore/internal/shared"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

type ambientKey struct{}

type ambient struct {
	tx    pgx.Tx
	after []func(context.Context)
}

// RunInTx runs fn with a RepeatableRead transaction carried in its context.
// WithTx calls made with that context join the transaction through a
// savepoint, so everything fn writes commits or rolls back together. Hooks
// registered with AfterCommit run once the outer transaction has committed.
func RunInTx(ctx context.Context, pool *pgxpool.Pool, fn func(context.Context) error) error {
	if _, ok := ctx.Value(ambientKey{}).(*ambient); ok {
		return fn(ctx)
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	amb := &ambient{tx: tx}
	if err := fn(context.WithValue(ctx, ambientKey{}, amb)); err != nil {
		return Classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Classify(fmt.Errorf("platform/db: commit tx: %w", err))
	}
	for _, hook := range amb.after {
		hook(ctx)
	}
	return nil
}

// Tx returns the transaction started by RunInTx, if ctx carries one.
func Tx(ctx context.Context) (pgx.Tx, bool) {
	amb, ok := ctx.Value(ambientKey{}).(*ambient)
	if !ok {
		return nil, false
	}
	return amb.tx, true
}

// AfterCommit defers hook until the transaction carried by ctx commits. It is
// dropped if that transaction rolls back. Without one, hook runs immediately.
func AfterCommit(ctx context.Context, hook func(context.Context)) {
	if amb, ok := ctx.Value(ambientKey{}).(*ambient); ok {
		amb.after = append(amb.after, hook)
		return
	}
	hook(ctx)
}

// WithTx runs fn inside a RepeatableRead transaction. Serialization failures
// surface as shared.ErrConcurrencyConflict so callers can retry the command.
// Under RunInTx it uses a savepoint of the outer transaction instead.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if outer, ok := Tx(ctx); ok {
		tx, err = outer.Begin(ctx)
	} else {
		tx, err = pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	}
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return Classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Classify(fmt.Errorf("platform/db: commit tx: %w", err))
	}

	return nil
}

// IsUniqueViolation reports whether err is a unique violation, optionally of
// a named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// Classify maps serialization failures and deadlocks to
// shared.ErrConcurrencyConflict. Other errors, and nil, pass through.
func Classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected) {
		return fmt.Errorf("%w: %s", shared.ErrConcurrencyConflict, pgErr.Message)
	}
	return err
}
