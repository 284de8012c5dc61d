package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkle-hq/jobcore/internal/shared"
	"github.com/sparkle-hq/jobcore/migrations"
)

func TestClassifySerializationFailure(t *testing.T) {
	err := Classify(fmt.Errorf("update job: %w", &pgconn.PgError{Code: "40001", Message: "could not serialize access"}))
	assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)

	plain := errors.New("boom")
	assert.Same(t, plain, Classify(plain))
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "ledger_entries_hold_id_key"})
	assert.True(t, IsUniqueViolation(err, ""))
	assert.True(t, IsUniqueViolation(err, "ledger_entries_hold_id_key"))
	assert.False(t, IsUniqueViolation(err, "disputes_one_open_per_job"))
	assert.False(t, IsUniqueViolation(errors.New("x"), ""))
}

func TestAfterCommitRunsImmediatelyOutsideTx(t *testing.T) {
	ran := 0
	AfterCommit(context.Background(), func(context.Context) { ran++ })
	assert.Equal(t, 1, ran)

	_, ok := Tx(context.Background())
	assert.False(t, ok)
}

// TestRunInTxCommitsNestedWorkTogether needs a disposable database:
// JOBCORE_TEST_PG_DSN=postgres://... go test ./internal/platform/db/
func TestRunInTxCommitsNestedWorkTogether(t *testing.T) {
	dsn := os.Getenv("JOBCORE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("JOBCORE_TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := New(ctx, dsn, 2)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = migrations.Up(ctx, pool)
	require.NoError(t, err)

	claim := func(ctx context.Context, account string) error {
		return WithTx(ctx, pool, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `INSERT INTO ledger_accounts (account_id) VALUES ($1)`, account)
			return err
		})
	}
	exists := func(account string) bool {
		var n int
		require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_accounts WHERE account_id = $1`, account).Scan(&n))
		return n == 1
	}

	rolledBack := "tx-test-" + uuid.NewString()
	hooks := 0
	err = RunInTx(ctx, pool, func(ctx context.Context) error {
		require.NoError(t, claim(ctx, rolledBack))
		AfterCommit(ctx, func(context.Context) { hooks++ })
		return errors.New("record write failed")
	})
	require.EqualError(t, err, "record write failed")
	assert.False(t, exists(rolledBack))
	assert.Zero(t, hooks)

	committed := "tx-test-" + uuid.NewString()
	err = RunInTx(ctx, pool, func(ctx context.Context) error {
		if err := claim(ctx, committed); err != nil {
			return err
		}
		AfterCommit(ctx, func(ctx context.Context) {
			_, inTx := Tx(ctx)
			assert.False(t, inTx)
			hooks++
		})
		assert.Zero(t, hooks)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, exists(committed))
	assert.Equal(t, 1, hooks)
}
