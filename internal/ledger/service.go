package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/sparkle-hq/jobcore/internal/payment"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

const basisPoints = 10000

var tracer = otel.Tracer("github.com/sparkle-hq/jobcore/internal/ledger")

// Config carries the fee schedule and settlement account.
type Config struct {
	PlatformAccountID string
	FeeBPS            int64
	Currency          string
	GatewayTimeout    time.Duration
}

// Service owns every write to the credits ledger.
type Service struct {
	repo    Repository
	gateway payment.Gateway
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	reads   singleflight.Group
}

// NewService constructs the ledger service.
func NewService(repo Repository, gateway payment.Gateway, cfg Config, logger *slog.Logger) *Service {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, gateway: gateway, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Currency reports the ledger currency.
func (s *Service) Currency() string {
	return s.cfg.Currency
}

// SplitFee divides a captured amount into cleaner payout and platform fee.
func (s *Service) SplitFee(amount int64) (payout, fee int64) {
	fee = amount * s.cfg.FeeBPS / basisPoints
	return amount - fee, fee
}

func (s *Service) newEntry(accountID string, jobID *uuid.UUID, typ EntryType, amount int64, status EntryStatus, memo string) Entry {
	return Entry{
		ID:        uuid.New(),
		AccountID: accountID,
		JobID:     jobID,
		Type:      typ,
		Amount:    amount,
		Status:    status,
		Memo:      memo,
		CreatedAt: s.now().UTC(),
	}
}

// OpenHold reserves amount credits of the account in escrow for a job.
func (s *Service) OpenHold(ctx context.Context, in OpenHoldInput) (Entry, error) {
	var hold Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		hold, err = s.OpenHoldTx(ctx, tx, in)
		return err
	})
	return hold, err
}

// OpenHoldTx is OpenHold inside the caller's transaction. The account is
// claimed before its totals are read so two holds cannot both pass the
// balance check; the loser fails with shared.ErrConcurrencyConflict.
func (s *Service) OpenHoldTx(ctx context.Context, tx TxRepository, in OpenHoldInput) (Entry, error) {
	ctx, span := tracer.Start(ctx, "ledger.OpenHold", trace.WithAttributes(
		attribute.String("account.id", in.AccountID), attribute.Int64("amount", in.Amount)))
	defer span.End()

	if in.Amount <= 0 {
		return Entry{}, fmt.Errorf("%w: hold amount must be positive", shared.ErrValidation)
	}
	if in.AccountID == "" {
		return Entry{}, fmt.Errorf("%w: account required", shared.ErrValidation)
	}
	if err := tx.ClaimAccount(ctx, in.AccountID); err != nil {
		return Entry{}, fmt.Errorf("claim account: %w", err)
	}
	if in.IdempotencyKey != "" {
		existing, err := tx.FindByIdempotencyKey(ctx, in.AccountID, in.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return Entry{}, err
		}
	}
	totals, err := tx.Totals(ctx, in.AccountID)
	if err != nil {
		return Entry{}, fmt.Errorf("load totals: %w", err)
	}
	if totals.Posted-totals.Held < in.Amount {
		return Entry{}, fmt.Errorf("%w: available %d, requested %d", shared.ErrInsufficientBalance, totals.Posted-totals.Held, in.Amount)
	}

	jobID := in.JobID
	hold := s.newEntry(in.AccountID, &jobID, EntrySpend, -in.Amount, StatusPending, "escrow hold")
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		hold.IdempotencyKey = &key
	}
	if err := tx.InsertEntry(ctx, hold); err != nil {
		return Entry{}, fmt.Errorf("insert hold: %w", err)
	}
	return hold, nil
}

func (s *Service) loadHold(ctx context.Context, tx TxRepository, holdID uuid.UUID) (Entry, error) {
	hold, err := tx.GetEntry(ctx, holdID)
	if err != nil {
		return Entry{}, fmt.Errorf("load hold: %w", err)
	}
	if !hold.IsHold() {
		return Entry{}, fmt.Errorf("%w: entry %s is not an escrow hold", shared.ErrInvalidState, holdID)
	}
	return hold, nil
}

// existingResolution returns the resolution already written for the hold
// together with ErrAlreadyResolved, or ErrNotFound when the hold is open.
func existingResolution(ctx context.Context, tx TxRepository, holdID uuid.UUID) (Entry, error) {
	res, err := tx.FindResolution(ctx, holdID)
	if err != nil {
		return Entry{}, err
	}
	return res, shared.ErrAlreadyResolved
}

// PostHold captures a hold as a posted spend against the holder.
func (s *Service) PostHold(ctx context.Context, holdID uuid.UUID) (Entry, error) {
	var out Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = s.PostHoldTx(ctx, tx, holdID)
		return err
	})
	return out, err
}

// PostHoldTx is PostHold inside the caller's transaction. A hold whose job has
// an active payout freeze cannot be captured.
func (s *Service) PostHoldTx(ctx context.Context, tx TxRepository, holdID uuid.UUID) (Entry, error) {
	hold, err := s.loadHold(ctx, tx, holdID)
	if err != nil {
		return Entry{}, err
	}
	if err := tx.LockAccount(ctx, hold.AccountID); err != nil {
		return Entry{}, fmt.Errorf("lock account: %w", err)
	}
	if res, err := existingResolution(ctx, tx, holdID); !errors.Is(err, shared.ErrNotFound) {
		return res, err
	}
	if hold.JobID != nil {
		if err := s.ensureNotFrozen(ctx, tx, *hold.JobID); err != nil {
			return Entry{}, err
		}
	}
	spend := s.newEntry(hold.AccountID, hold.JobID, EntrySpend, hold.Amount, StatusPosted, "escrow captured")
	spend.HoldID = &hold.ID
	if err := tx.InsertEntry(ctx, spend); err != nil {
		return Entry{}, resolutionInsertError(holdID, err)
	}
	return spend, nil
}

// ReverseHold releases a hold back to the holder.
func (s *Service) ReverseHold(ctx context.Context, holdID uuid.UUID, memo string) (Entry, error) {
	var out Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = s.ReverseHoldTx(ctx, tx, holdID, memo)
		return err
	})
	return out, err
}

// ReverseHoldTx is ReverseHold inside the caller's transaction. The hold never
// reduced the posted balance, so the resolving refund carries a zero amount;
// the released magnitude is read from the hold it points at.
func (s *Service) ReverseHoldTx(ctx context.Context, tx TxRepository, holdID uuid.UUID, memo string) (Entry, error) {
	hold, err := s.loadHold(ctx, tx, holdID)
	if err != nil {
		return Entry{}, err
	}
	if err := tx.LockAccount(ctx, hold.AccountID); err != nil {
		return Entry{}, fmt.Errorf("lock account: %w", err)
	}
	if res, err := existingResolution(ctx, tx, holdID); !errors.Is(err, shared.ErrNotFound) {
		return res, err
	}
	if memo == "" {
		memo = "escrow released"
	}
	refund := s.newEntry(hold.AccountID, hold.JobID, EntryRefund, 0, StatusPosted, memo)
	refund.HoldID = &hold.ID
	if err := tx.InsertEntry(ctx, refund); err != nil {
		return Entry{}, resolutionInsertError(holdID, err)
	}
	return refund, nil
}

func resolutionInsertError(holdID uuid.UUID, err error) error {
	if errors.Is(err, ErrDuplicateResolution) {
		return fmt.Errorf("%w: hold %s", shared.ErrAlreadyResolved, holdID)
	}
	return fmt.Errorf("insert resolution: %w", err)
}

// SettleApprovalTx captures the hold, pays the cleaner out net of the platform
// fee and confirms the capture with the gateway. A gateway failure is returned
// as-is so the caller's transaction rolls back and the hold stays pending.
func (s *Service) SettleApprovalTx(ctx context.Context, tx TxRepository, in SettleInput) (Settlement, error) {
	ctx, span := tracer.Start(ctx, "ledger.SettleApproval", trace.WithAttributes(attribute.String("hold.id", in.HoldID.String())))
	defer span.End()

	if in.CleanerAccountID == "" {
		return Settlement{}, fmt.Errorf("%w: cleaner account required", shared.ErrValidation)
	}
	spend, err := s.PostHoldTx(ctx, tx, in.HoldID)
	if err != nil {
		return Settlement{}, err
	}
	amount := -spend.Amount
	payout, fee := s.SplitFee(amount)

	settlement := Settlement{Spend: spend}
	settlement.Payout = s.newEntry(in.CleanerAccountID, spend.JobID, EntryDeposit, payout, StatusPosted, "job payout")
	if err := tx.InsertEntry(ctx, settlement.Payout); err != nil {
		return Settlement{}, fmt.Errorf("insert payout: %w", err)
	}
	if fee > 0 {
		feeEntry := s.newEntry(s.cfg.PlatformAccountID, spend.JobID, EntryFee, fee, StatusPosted, "platform fee")
		if err := tx.InsertEntry(ctx, feeEntry); err != nil {
			return Settlement{}, fmt.Errorf("insert fee: %w", err)
		}
		settlement.Fee = &feeEntry
	}

	req := payment.CaptureRequest{HoldID: in.HoldID, Amount: amount, Currency: s.cfg.Currency, IdempotencyKey: in.IdempotencyKey}
	if spend.JobID != nil {
		req.JobID = *spend.JobID
	}
	captureCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()
	receipt, err := s.gateway.Capture(captureCtx, req)
	if err != nil {
		span.RecordError(err)
		var perr *shared.PaymentError
		if !errors.As(err, &perr) {
			err = &shared.PaymentError{Op: "capture", Err: err, Retryable: true}
		}
		return Settlement{}, err
	}
	s.logger.Info("hold captured",
		slog.String("hold_id", in.HoldID.String()),
		slog.Int64("amount", amount),
		slog.Int64("fee", fee),
		slog.String("reference", receipt.Reference))
	return settlement, nil
}

// RefundSettledTx returns in.Amount of an already captured job to the client.
// The cleaner's payout for the job absorbs the clawback first and the platform
// fee covers the remainder. Refunds across every ruling on the job never exceed
// what the client paid for it; the amount is capped at the unrefunded rest and
// nothing is written once the job is fully refunded.
func (s *Service) RefundSettledTx(ctx context.Context, tx TxRepository, in RefundInput) ([]Entry, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", shared.ErrValidation)
	}
	for _, acct := range orderedAccounts(in.ClientAccountID, in.CleanerAccountID, s.cfg.PlatformAccountID) {
		if err := tx.LockAccount(ctx, acct); err != nil {
			return nil, fmt.Errorf("lock account: %w", err)
		}
	}
	jobID := in.JobID
	// the client's posted rows on the job are the captured spend plus refunds
	clientNet, err := tx.SumForJob(ctx, in.ClientAccountID, jobID)
	if err != nil {
		return nil, fmt.Errorf("sum client refunds: %w", err)
	}
	refundable := max(-clientNet, 0)
	if in.Amount > refundable {
		s.logger.Warn("refund capped at unrefunded amount",
			slog.String("job_id", jobID.String()),
			slog.Int64("requested", in.Amount),
			slog.Int64("refundable", refundable))
		in.Amount = refundable
	}
	if in.Amount == 0 {
		return nil, nil
	}
	paidOut, err := tx.SumForJob(ctx, in.CleanerAccountID, jobID)
	if err != nil {
		return nil, fmt.Errorf("sum cleaner payout: %w", err)
	}
	memo := in.Memo
	if memo == "" {
		memo = "dispute refund"
	}

	entries := []Entry{s.newEntry(in.ClientAccountID, &jobID, EntryRefund, in.Amount, StatusPosted, memo)}
	fromCleaner := min(in.Amount, max(paidOut, 0))
	if fromCleaner > 0 {
		entries = append(entries, s.newEntry(in.CleanerAccountID, &jobID, EntryFee, -fromCleaner, StatusPosted, "payout clawback"))
	}
	if rest := in.Amount - fromCleaner; rest > 0 {
		entries = append(entries, s.newEntry(s.cfg.PlatformAccountID, &jobID, EntryFee, -rest, StatusPosted, "fee clawback"))
	}
	for _, e := range entries {
		if err := tx.InsertEntry(ctx, e); err != nil {
			return nil, fmt.Errorf("insert refund entry: %w", err)
		}
	}
	return entries, nil
}

// orderedAccounts dedupes and sorts account ids so concurrent refunds lock in
// the same order.
func orderedAccounts(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// FreezeTx blocks payouts derived from the job.
func (s *Service) FreezeTx(ctx context.Context, tx TxRepository, jobID uuid.UUID, reason string) error {
	return tx.InsertFreeze(ctx, Freeze{JobID: jobID, Reason: reason, FrozenAt: s.now().UTC()})
}

// LiftTx removes an active freeze; lifting an unfrozen job is a no-op.
func (s *Service) LiftTx(ctx context.Context, tx TxRepository, jobID uuid.UUID) error {
	return tx.LiftFreeze(ctx, jobID, s.now().UTC())
}

func (s *Service) ensureNotFrozen(ctx context.Context, tx TxRepository, jobID uuid.UUID) error {
	f, err := tx.GetFreeze(ctx, jobID)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load freeze: %w", err)
	case f.Active():
		return fmt.Errorf("%w: job %s", shared.ErrPayoutFrozen, jobID)
	}
	return nil
}

// Balance returns the posted balance, the amount held in escrow and what is
// still available. Concurrent reads of one account share a query.
func (s *Service) Balance(ctx context.Context, accountID string) (Balance, error) {
	v, err, _ := s.reads.Do(accountID, func() (any, error) {
		return s.repo.Totals(ctx, accountID)
	})
	if err != nil {
		return Balance{}, fmt.Errorf("load balance: %w", err)
	}
	t := v.(Totals)
	return Balance{
		AccountID:   accountID,
		Balance:     t.Posted,
		Held:        t.Held,
		Available:   t.Posted - t.Held,
		Currency:    s.cfg.Currency,
		LastUpdated: t.LastUpdated,
	}, nil
}

// Entries pages through an account's ledger, newest first. Holds carry the
// state their resolution gives them.
func (s *Service) Entries(ctx context.Context, accountID string, page shared.PageRequest) ([]Entry, int, error) {
	entries, total, err := s.repo.ListEntries(ctx, accountID, page.Limit(), page.Offset())
	if err != nil {
		return nil, 0, err
	}
	var holds []uuid.UUID
	for _, e := range entries {
		if e.IsHold() {
			holds = append(holds, e.ID)
		}
	}
	if len(holds) == 0 {
		return entries, total, nil
	}
	resolutions, err := s.repo.Resolutions(ctx, holds)
	if err != nil {
		return nil, 0, fmt.Errorf("load hold resolutions: %w", err)
	}
	for i, e := range entries {
		if !e.IsHold() {
			continue
		}
		if res, ok := resolutions[e.ID]; ok {
			entries[i].HoldState = HoldState(&res)
		} else {
			entries[i].HoldState = StatusPending
		}
	}
	return entries, total, nil
}

// Deposit credits a top-up once the gateway confirms it. The payment
// reference doubles as the entry's idempotency key, so confirming the same
// payment twice credits it once.
func (s *Service) Deposit(ctx context.Context, in DepositInput) (Entry, bool, error) {
	if in.PaymentRef == "" {
		return Entry{}, false, fmt.Errorf("%w: payment reference required", shared.ErrValidation)
	}
	confirmCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	conf, err := s.gateway.Confirm(confirmCtx, in.PaymentRef)
	cancel()
	if err != nil {
		return Entry{}, false, err
	}
	if conf.AccountID != in.AccountID {
		return Entry{}, false, fmt.Errorf("%w: payment belongs to another account", shared.ErrForbidden)
	}
	if conf.Amount <= 0 {
		return Entry{}, false, fmt.Errorf("%w: confirmed amount must be positive", shared.ErrValidation)
	}
	if conf.Currency != "" && s.cfg.Currency != "" && conf.Currency != s.cfg.Currency {
		return Entry{}, false, fmt.Errorf("%w: currency %s not accepted", shared.ErrValidation, conf.Currency)
	}

	key := "deposit:" + conf.Reference
	var (
		out      Entry
		existing bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockAccount(ctx, in.AccountID); err != nil {
			return err
		}
		prior, err := tx.FindByIdempotencyKey(ctx, in.AccountID, key)
		if err == nil {
			out, existing = prior, true
			return nil
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return err
		}
		out = s.newEntry(in.AccountID, nil, EntryDeposit, conf.Amount, StatusPosted, "top-up "+conf.Reference)
		out.IdempotencyKey = &key
		return tx.InsertEntry(ctx, out)
	})
	if err != nil {
		return Entry{}, false, err
	}
	s.logger.Info("deposit credited", slog.String("account_id", in.AccountID), slog.Int64("amount", out.Amount), slog.Bool("existing", existing))
	return out, existing, nil
}

// Withdraw pays credits out. Credits earned on jobs under an open dispute are
// not withdrawable until the dispute resolves.
func (s *Service) Withdraw(ctx context.Context, in WithdrawInput) (Entry, error) {
	if in.Amount <= 0 {
		return Entry{}, fmt.Errorf("%w: withdrawal amount must be positive", shared.ErrValidation)
	}
	var out Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.ClaimAccount(ctx, in.AccountID); err != nil {
			return fmt.Errorf("claim account: %w", err)
		}
		totals, err := tx.Totals(ctx, in.AccountID)
		if err != nil {
			return fmt.Errorf("load totals: %w", err)
		}
		frozen, err := tx.FrozenCredits(ctx, in.AccountID)
		if err != nil {
			return fmt.Errorf("load frozen credits: %w", err)
		}
		available := totals.Posted - totals.Held
		switch {
		case available < in.Amount:
			return fmt.Errorf("%w: available %d, requested %d", shared.ErrInsufficientBalance, available, in.Amount)
		case available-max(frozen, 0) < in.Amount:
			return fmt.Errorf("%w: %d credits frozen", shared.ErrPayoutFrozen, frozen)
		}

		out = s.newEntry(in.AccountID, nil, EntrySpend, -in.Amount, StatusPosted, "withdrawal")
		if in.IdempotencyKey != "" {
			key := in.IdempotencyKey
			out.IdempotencyKey = &key
		}
		if err := tx.InsertEntry(ctx, out); err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}
		payoutCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()
		_, err = s.gateway.Payout(payoutCtx, payment.PayoutRequest{
			AccountID:      in.AccountID,
			Amount:         in.Amount,
			Currency:       s.cfg.Currency,
			IdempotencyKey: in.IdempotencyKey,
		})
		return err
	})
	return out, err
}

// StaleHolds lists holds that have been pending longer than olderThan.
func (s *Service) StaleHolds(ctx context.Context, olderThan time.Duration) ([]Entry, error) {
	return s.repo.PendingHoldsBefore(ctx, s.now().UTC().Add(-olderThan))
}
