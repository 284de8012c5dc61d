package ledger_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/payment"
	"github.com/sparkle-hq/jobcore/internal/platform/db"
	"github.com/sparkle-hq/jobcore/internal/shared"
	"github.com/sparkle-hq/jobcore/migrations"
)

// recordingRepo wraps a repository and records the transactional calls the
// service makes, optionally failing ClaimAccount.
type recordingRepo struct {
	ledger.Repository
	calls    *[]string
	claimErr error
}

func (r recordingRepo) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return r.Repository.WithTx(ctx, func(ctx context.Context, tx ledger.TxRepository) error {
		return fn(ctx, recordingTx{TxRepository: tx, calls: r.calls, claimErr: r.claimErr})
	})
}

type recordingTx struct {
	ledger.TxRepository
	calls    *[]string
	claimErr error
}

func (t recordingTx) ClaimAccount(ctx context.Context, accountID string) error {
	*t.calls = append(*t.calls, "claim:"+accountID)
	if t.claimErr != nil {
		return t.claimErr
	}
	return t.TxRepository.ClaimAccount(ctx, accountID)
}

func (t recordingTx) Totals(ctx context.Context, accountID string) (ledger.Totals, error) {
	*t.calls = append(*t.calls, "totals:"+accountID)
	return t.TxRepository.Totals(ctx, accountID)
}

func (t recordingTx) InsertEntry(ctx context.Context, e ledger.Entry) error {
	*t.calls = append(*t.calls, "insert:"+string(e.Type))
	return t.TxRepository.InsertEntry(ctx, e)
}

func newRecordingFixture(t *testing.T, claimErr error) (fixture, *ledger.Service, *[]string) {
	t.Helper()
	f := newFixture(t)
	calls := &[]string{}
	svc := ledger.NewService(recordingRepo{Repository: f.store.Ledger(), calls: calls, claimErr: claimErr}, f.gateway, ledger.Config{
		PlatformAccountID: platform,
		FeeBPS:            1500,
		Currency:          "USD",
	}, nil)
	return f, svc, calls
}

func TestBalanceCheckedWritesClaimBeforeReadingTotals(t *testing.T) {
	ctx := context.Background()
	f, svc, calls := newRecordingFixture(t, nil)
	f.fund(t, client, 10000)
	f.fund(t, cleaner, 10000)

	_, err := svc.OpenHold(ctx, ledger.OpenHoldInput{AccountID: client, JobID: uuid.New(), Amount: 4000})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(*calls), 2)
	assert.Equal(t, []string{"claim:" + client, "totals:" + client}, (*calls)[:2])

	*calls = (*calls)[:0]
	_, err = svc.Withdraw(ctx, ledger.WithdrawInput{AccountID: cleaner, Amount: 1000})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(*calls), 2)
	assert.Equal(t, []string{"claim:" + cleaner, "totals:" + cleaner}, (*calls)[:2])
}

func TestClaimConflictAbortsHoldBeforeAnyWrite(t *testing.T) {
	ctx := context.Background()
	conflict := fmt.Errorf("%w: could not serialize access", shared.ErrConcurrencyConflict)
	f, svc, calls := newRecordingFixture(t, conflict)
	f.fund(t, client, 10000)

	_, err := svc.OpenHold(ctx, ledger.OpenHoldInput{AccountID: client, JobID: uuid.New(), Amount: 4000})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	assert.Equal(t, []string{"claim:" + client}, *calls)
	assert.EqualValues(t, 0, f.balance(t, client).Held)
	assert.EqualValues(t, 10000, f.balance(t, client).Available)

	_, err = svc.Withdraw(ctx, ledger.WithdrawInput{AccountID: client, Amount: 1000})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	assert.EqualValues(t, 10000, f.balance(t, client).Balance)
}

// TestPostgresHoldAfterStaleSnapshotConflicts needs a disposable database:
// JOBCORE_TEST_PG_DSN=postgres://... go test ./internal/ledger/
func TestPostgresHoldAfterStaleSnapshotConflicts(t *testing.T) {
	dsn := os.Getenv("JOBCORE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("JOBCORE_TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := db.New(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = migrations.Up(ctx, pool)
	require.NoError(t, err)

	gw := payment.NewSandbox("USD")
	svc := ledger.NewService(ledger.NewRepository(pool), gw, ledger.Config{
		PlatformAccountID: platform,
		FeeBPS:            1500,
		Currency:          "USD",
	}, nil)
	account := "pg-client-" + uuid.NewString()
	ref := "pi_" + uuid.NewString()
	gw.Seed(payment.Confirmation{Reference: ref, AccountID: account, Amount: 10000})
	_, _, err = svc.Deposit(ctx, ledger.DepositInput{AccountID: account, PaymentRef: ref})
	require.NoError(t, err)

	// The second transaction takes its snapshot first, then the first hold
	// commits, then the second tries to hold against what it saw.
	stale, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	require.NoError(t, err)
	defer func() { _ = stale.Rollback(ctx) }()
	seen, err := ledger.NewTxRepository(stale).Totals(ctx, account)
	require.NoError(t, err)
	require.EqualValues(t, 10000, seen.Posted-seen.Held)

	_, err = svc.OpenHold(ctx, ledger.OpenHoldInput{AccountID: account, JobID: uuid.New(), Amount: 7000})
	require.NoError(t, err)

	_, err = svc.OpenHoldTx(ctx, ledger.NewTxRepository(stale), ledger.OpenHoldInput{AccountID: account, JobID: uuid.New(), Amount: 7000})
	require.ErrorIs(t, err, shared.ErrConcurrencyConflict)
	require.NoError(t, stale.Rollback(ctx))

	b, err := svc.Balance(ctx, account)
	require.NoError(t, err)
	assert.EqualValues(t, 3000, b.Available)
}
