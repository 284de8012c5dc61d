package dispute_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkle-hq/jobcore/internal/dispute"
	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/lifecycle"
	"github.com/sparkle-hq/jobcore/internal/shared"
	"github.com/sparkle-hq/jobcore/internal/testing/harness"
)

const (
	client  = "client-1"
	cleaner = "cleaner-1"
	escrow  = 10000
)

var operator = harness.Operator("ops-1")

func openDispute(t *testing.T, h *harness.Harness, job lifecycle.Job) dispute.Dispute {
	t.Helper()
	d, updated, err := h.Disputes.Open(context.Background(), harness.Client(client), dispute.OpenInput{
		JobID:   job.ID,
		Reason:  "bathroom not cleaned",
		Details: "photos show the tub untouched",
	})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusDisputed, updated.Status)
	return d
}

// assertBalanced checks that client, cleaner and platform balances still sum
// to what the client deposited.
func assertBalanced(t *testing.T, h *harness.Harness) {
	t.Helper()
	total := h.Balance(t, client).Balance + h.Balance(t, cleaner).Balance + h.Balance(t, harness.PlatformAccount).Balance
	assert.EqualValues(t, escrow, total)
}

func TestOpenFromAwaitingApprovalFreezesPayout(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusAwaitingApproval)

	d := openDispute(t, h, job)
	assert.Regexp(t, regexp.MustCompile(`^DSP-[23456789A-HJ-NP-Z]{8}$`), d.Reference)
	assert.Equal(t, dispute.StatusOpen, d.Status)
	assert.Equal(t, lifecycle.StatusAwaitingApproval, d.PriorJobStatus)

	// the job can no longer be approved or cancelled around the dispute
	_, err := h.Jobs.Approve(ctx, harness.Client(client), job.ID, lifecycle.ApproveInput{})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	_, err = h.Jobs.Cancel(ctx, harness.Client(client), job.ID, "changed my mind")
	require.ErrorIs(t, err, shared.ErrInvalidState)

	_, err = h.Ledger.PostHold(ctx, job.HoldEntryID)
	require.ErrorIs(t, err, shared.ErrPayoutFrozen)

	_, _, err = h.Disputes.Open(ctx, harness.Client(client), dispute.OpenInput{JobID: job.ID, Reason: "again"})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestOpenRequiresClientAndReason(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusAwaitingApproval)

	_, _, err := h.Disputes.Open(ctx, harness.Client(client), dispute.OpenInput{JobID: job.ID})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, _, err = h.Disputes.Open(ctx, harness.Cleaner(cleaner), dispute.OpenInput{JobID: job.ID, Reason: "x"})
	require.ErrorIs(t, err, shared.ErrForbidden)
	_, _, err = h.Disputes.Open(ctx, harness.Client("client-2"), dispute.OpenInput{JobID: job.ID, Reason: "x"})
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestOpenOnInProgressIsRejected(t *testing.T) {
	h := harness.New(t)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusInProgress)

	_, _, err := h.Disputes.Open(context.Background(), harness.Client(client), dispute.OpenInput{JobID: job.ID, Reason: "late"})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestDisputeWindowCloses(t *testing.T) {
	h := harness.New(t)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusCompleted)
	h.Clock.Advance(73 * time.Hour)

	_, _, err := h.Disputes.Open(context.Background(), harness.Client(client), dispute.OpenInput{JobID: job.ID, Reason: "late complaint"})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	assert.Contains(t, err.Error(), shared.ReasonDisputeWindowClosed)
}

func TestResolveForClientBeforeCapture(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusAwaitingApproval)
	d := openDispute(t, h, job)

	resolved, err := h.Disputes.Resolve(ctx, operator, dispute.ResolveInput{DisputeID: d.ID, Outcome: dispute.StatusResolvedClient, Note: "no after photos of bathroom"})
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolvedClient, resolved.Status)
	require.Len(t, resolved.ResolutionEntryIDs, 1)

	stored, err := h.Jobs.GetJob(ctx, operator, job.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusCancelled, stored.Status)

	b := h.Balance(t, client)
	assert.EqualValues(t, escrow, b.Balance)
	assert.EqualValues(t, 0, b.Held)
	assert.Empty(t, h.Gateway.Captures)
	assertBalanced(t, h)
}

func TestResolveForCleanerCapturesHold(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusAwaitingApproval)
	d := openDispute(t, h, job)

	resolved, err := h.Disputes.Resolve(ctx, operator, dispute.ResolveInput{DisputeID: d.ID, Outcome: dispute.StatusResolvedCleaner, IdempotencyKey: "R1"})
	require.NoError(t, err)
	require.Len(t, resolved.ResolutionEntryIDs, 3)

	stored, err := h.Jobs.GetJob(ctx, operator, job.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	assert.EqualValues(t, 8500, h.Balance(t, cleaner).Balance)
	assert.EqualValues(t, 1500, h.Balance(t, harness.PlatformAccount).Balance)
	assertBalanced(t, h)

	// the freeze is gone, so the cleaner can withdraw
	_, err = h.Ledger.Withdraw(ctx, ledger.WithdrawInput{AccountID: cleaner, Amount: 8500})
	require.NoError(t, err)
}

func TestResolveSplitAfterCapture(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusCompleted)
	d := openDispute(t, h, job)
	assert.Equal(t, lifecycle.StatusCompleted, d.PriorJobStatus)

	_, err := h.Ledger.Withdraw(ctx, ledger.WithdrawInput{AccountID: cleaner, Amount: 1})
	require.ErrorIs(t, err, shared.ErrPayoutFrozen)

	resolved, err := h.Disputes.Resolve(ctx, operator, dispute.ResolveInput{DisputeID: d.ID, Outcome: dispute.StatusResolvedSplit})
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolvedSplit, resolved.Status)

	assert.EqualValues(t, 5000, h.Balance(t, client).Balance)
	assert.EqualValues(t, 3500, h.Balance(t, cleaner).Balance)
	assert.EqualValues(t, 1500, h.Balance(t, harness.PlatformAccount).Balance)
	assertBalanced(t, h)
	assert.Len(t, h.Gateway.Captures, 1, "the hold is captured once")
}

func TestResolveForClientAfterCaptureClawsBack(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusCompleted)
	d := openDispute(t, h, job)

	_, err := h.Disputes.Resolve(ctx, operator, dispute.ResolveInput{DisputeID: d.ID, Outcome: dispute.StatusResolvedClient})
	require.NoError(t, err)

	assert.EqualValues(t, escrow, h.Balance(t, client).Balance)
	assert.EqualValues(t, 0, h.Balance(t, cleaner).Balance)
	assert.EqualValues(t, 0, h.Balance(t, harness.PlatformAccount).Balance)
	assertBalanced(t, h)

	stored, err := h.Jobs.GetJob(ctx, operator, job.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusCancelled, stored.Status)
}

func TestRedisputeAfterSplitRefundsOnlyTheRest(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusCompleted)

	first := openDispute(t, h, job)
	_, err := h.Disputes.Resolve(ctx, operator, dispute.ResolveInput{DisputeID: first.ID, Outcome: dispute.StatusResolvedSplit})
	require.NoError(t, err)
	assert.EqualValues(t, 5000, h.Balance(t, client).Balance)

	second := openDispute(t, h, job)
	resolved, err := h.Disputes.Resolve(ctx, operator, dispute.ResolveInput{DisputeID: second.ID, Outcome: dispute.StatusResolvedClient})
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolvedClient, resolved.Status)

	assert.EqualValues(t, escrow, h.Balance(t, client).Balance)
	assert.EqualValues(t, 0, h.Balance(t, cleaner).Balance)
	assert.EqualValues(t, 0, h.Balance(t, harness.PlatformAccount).Balance)
	assertBalanced(t, h)
}

func TestRepeatedSplitsStopAtEscrow(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusCompleted)

	for range 3 {
		d := openDispute(t, h, job)
		_, err := h.Disputes.Resolve(ctx, operator, dispute.ResolveInput{DisputeID: d.ID, Outcome: dispute.StatusResolvedSplit})
		require.NoError(t, err)
		assert.LessOrEqual(t, h.Balance(t, client).Balance, int64(escrow))
		assertBalanced(t, h)
	}
	// the third ruling finds nothing left to refund
	assert.EqualValues(t, escrow, h.Balance(t, client).Balance)
}

func TestOpenWhileAnotherDisputeIsOpen(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusAwaitingApproval)
	first := openDispute(t, h, job)

	_, _, err := h.Disputes.Open(ctx, harness.Client(client), dispute.OpenInput{JobID: job.ID, Reason: "again"})
	require.ErrorIs(t, err, shared.ErrInvalidState)
	assert.Contains(t, err.Error(), first.Reference)
}

func TestResolveTwiceReturnsFirstRuling(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusAwaitingApproval)
	d := openDispute(t, h, job)

	first, err := h.Disputes.Resolve(ctx, operator, dispute.ResolveInput{DisputeID: d.ID, Outcome: dispute.StatusResolvedCleaner})
	require.NoError(t, err)

	second, err := h.Disputes.Resolve(ctx, operator, dispute.ResolveInput{DisputeID: d.ID, Outcome: dispute.StatusResolvedClient})
	require.ErrorIs(t, err, shared.ErrAlreadyResolved)
	assert.Equal(t, dispute.StatusResolvedCleaner, second.Status)
	assert.Equal(t, first.ResolutionEntryIDs, second.ResolutionEntryIDs)
	assert.EqualValues(t, 8500, h.Balance(t, cleaner).Balance)

	logs := h.Store.AuditLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "dispute.resolve", logs[0].Action)
}

func TestResolveRequiresOperator(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusAwaitingApproval)
	d := openDispute(t, h, job)

	_, err := h.Disputes.Resolve(ctx, harness.Client(client), dispute.ResolveInput{DisputeID: d.ID, Outcome: dispute.StatusResolvedClient})
	require.ErrorIs(t, err, shared.ErrForbidden)
	_, err = h.Disputes.Resolve(ctx, operator, dispute.ResolveInput{DisputeID: d.ID, Outcome: dispute.StatusOpen})
	require.ErrorIs(t, err, shared.ErrValidation)

	got, err := h.Disputes.Get(ctx, harness.Client(client), d.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
	_, err = h.Disputes.Get(ctx, harness.Cleaner(cleaner), d.ID)
	require.ErrorIs(t, err, shared.ErrForbidden)

	list, err := h.Disputes.ListByJob(ctx, harness.Cleaner(cleaner), job.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestGatewayFailureDuringResolutionKeepsDisputeOpen(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusAwaitingApproval)
	d := openDispute(t, h, job)
	h.Gateway.FailNext("capture", assert.AnError)

	_, err := h.Disputes.Resolve(ctx, operator, dispute.ResolveInput{DisputeID: d.ID, Outcome: dispute.StatusResolvedCleaner})
	require.ErrorIs(t, err, shared.ErrPaymentProvider)

	got, err := h.Disputes.Get(ctx, operator, d.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
	_, err = h.Ledger.PostHold(ctx, job.HoldEntryID)
	require.ErrorIs(t, err, shared.ErrPayoutFrozen, "the freeze lift rolled back with the failed resolution")
}
