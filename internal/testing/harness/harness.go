// Package harness assembles the job core on the in-memory driver for tests.
package harness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sparkle-hq/jobcore/internal/dispute"
	"github.com/sparkle-hq/jobcore/internal/evidence"
	"github.com/sparkle-hq/jobcore/internal/idempotency"
	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/lifecycle"
	"github.com/sparkle-hq/jobcore/internal/payment"
	"github.com/sparkle-hq/jobcore/internal/platform/memdb"
	"github.com/sparkle-hq/jobcore/internal/shared"
	_ "github.com/sparkle-hq/jobcore/internal/testing/guard"
)

const (
	PlatformAccount = "platform"
	RadiusMeters    = 150
	FeeBPS          = 1500
)

// Site is the job location used by Book.
var Site = evidence.Coordinates{Lat: 52.5200, Lng: 13.4050, AccuracyMeters: 5}

// FarAway is roughly 1.1 km north of Site.
var FarAway = evidence.Coordinates{Lat: 52.5300, Lng: 13.4050, AccuracyMeters: 5}

// Clock ticks one second per read so rows written in sequence are ordered.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current time and advances the clock by a second.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Harness wires every service of the core to one memdb.Store.
type Harness struct {
	Store    *memdb.Store
	Gateway  *payment.Sandbox
	Clock    *Clock
	Evidence *evidence.Service
	Ledger   *ledger.Service
	Jobs     *lifecycle.Service
	Disputes *dispute.Service
	Guard    *idempotency.Guard
}

// New builds a Harness with the default fee schedule and dispute policy.
func New(t testing.TB) *Harness {
	t.Helper()
	store := memdb.New()
	clock := NewClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	gw := payment.NewSandbox("USD")

	ev := evidence.NewService(store.Evidence(), RadiusMeters)
	ev.SetClock(clock.Now)
	led := ledger.NewService(store.Ledger(), gw, ledger.Config{
		PlatformAccountID: PlatformAccount,
		FeeBPS:            FeeBPS,
		Currency:          "USD",
	}, nil)
	led.SetClock(clock.Now)
	jobs := lifecycle.NewService(store.Jobs(), ev, led, store, nil)
	jobs.SetClock(clock.Now)
	disputes := dispute.NewService(store.Disputes(), jobs, led, store, dispute.Config{}, nil)
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.NewLocalLocker(time.Second), idempotency.Config{}, nil)
	guard.SetClock(clock.Now)

	return &Harness{
		Store:    store,
		Gateway:  gw,
		Clock:    clock,
		Evidence: ev,
		Ledger:   led,
		Jobs:     jobs,
		Disputes: disputes,
		Guard:    guard,
	}
}

// Client returns a client caller.
func Client(id string) shared.Caller { return shared.Caller{ID: id, Role: shared.RoleClient} }

// Cleaner returns a cleaner caller.
func Cleaner(id string) shared.Caller { return shared.Caller{ID: id, Role: shared.RoleCleaner} }

// Operator returns an operator caller.
func Operator(id string) shared.Caller { return shared.Caller{ID: id, Role: shared.RoleOperator} }

// Fund tops the account up through the sandbox gateway.
func (h *Harness) Fund(t testing.TB, account string, amount int64) {
	t.Helper()
	ref := "pi_" + uuid.NewString()
	h.Gateway.Seed(payment.Confirmation{Reference: ref, AccountID: account, Amount: amount})
	_, _, err := h.Ledger.Deposit(context.Background(), ledger.DepositInput{AccountID: account, PaymentRef: ref})
	require.NoError(t, err)
}

// Book funds the client and books a job at Site for amount credits.
func (h *Harness) Book(t testing.TB, client string, amount int64) lifecycle.Job {
	t.Helper()
	h.Fund(t, client, amount)
	start := h.Clock.Now().Add(24 * time.Hour)
	res, err := h.Jobs.Book(context.Background(), Client(client), lifecycle.BookInput{
		ScheduledStart: start,
		ScheduledEnd:   start.Add(3 * time.Hour),
		EscrowAmount:   amount,
		Location:       Site,
		Address:        "Unter den Linden 1",
	})
	require.NoError(t, err)
	return res.Job
}

// Balance returns the account balance.
func (h *Harness) Balance(t testing.TB, account string) ledger.Balance {
	t.Helper()
	b, err := h.Ledger.Balance(context.Background(), account)
	require.NoError(t, err)
	return b
}

// Advance drives the job along the happy path until it reaches target. The
// cleaner is assigned on accept and records all evidence the gate asks for.
func (h *Harness) Advance(t testing.TB, job lifecycle.Job, cleaner string, target lifecycle.Status) lifecycle.Job {
	t.Helper()
	ctx := context.Background()
	cl := Cleaner(cleaner)
	for job.Status != target {
		var (
			res lifecycle.Result
			err error
		)
		switch job.Status {
		case lifecycle.StatusPending:
			res, err = h.Jobs.Accept(ctx, cl, job.ID)
		case lifecycle.StatusAccepted:
			res, err = h.Jobs.SendEnRoute(ctx, cl, job.ID)
		case lifecycle.StatusEnRoute:
			res, _, err = h.Jobs.CheckIn(ctx, cl, job.ID, Site)
		case lifecycle.StatusCheckedIn:
			_, err = h.Jobs.UploadPhoto(ctx, cl, job.ID, evidence.PhotoBefore, "https://cdn.example.com/before.jpg")
			require.NoError(t, err)
			res, err = h.Jobs.StartWork(ctx, cl, job.ID)
		case lifecycle.StatusInProgress:
			_, err = h.Jobs.UploadPhoto(ctx, cl, job.ID, evidence.PhotoAfter, "https://cdn.example.com/after.jpg")
			require.NoError(t, err)
			_, err = h.Jobs.CheckOut(ctx, cl, job.ID, Site)
			require.NoError(t, err)
			res, err = h.Jobs.Submit(ctx, cl, job.ID)
		case lifecycle.StatusAwaitingApproval:
			res, err = h.Jobs.Approve(ctx, Client(job.ClientID), job.ID, lifecycle.ApproveInput{IdempotencyKey: "approve-" + job.ID.String()})
		default:
			t.Fatalf("cannot advance job from %s to %s", job.Status, target)
		}
		require.NoError(t, err, "advance from %s", job.Status)
		job = res.Job
	}
	return job
}
