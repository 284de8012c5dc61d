package ledger

import (
	"time"

	"github.com/google/uuid"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDeposit EntryType = "deposit"
	EntrySpend   EntryType = "spend"
	EntryRefund  EntryType = "refund"
	EntryBonus   EntryType = "bonus"
	EntryFee     EntryType = "fee"
)

// EntryStatus is the posting state of an entry. Entries are never updated, so
// a pending hold keeps its status after it is resolved; HoldState reports the
// derived outcome.
type EntryStatus string

const (
	StatusPending  EntryStatus = "pending"
	StatusPosted   EntryStatus = "posted"
	StatusReversed EntryStatus = "reversed"
)

// Entry is one immutable row of the credits ledger. Amount is signed, in
// minor units.
type Entry struct {
	ID             uuid.UUID   `json:"id"`
	AccountID      string      `json:"account_id"`
	JobID          *uuid.UUID  `json:"job_id,omitempty"`
	HoldID         *uuid.UUID  `json:"hold_id,omitempty"`
	Type           EntryType   `json:"type"`
	Amount         int64       `json:"amount"`
	Status         EntryStatus `json:"status"`
	IdempotencyKey *string     `json:"idempotency_key,omitempty"`
	Memo           string      `json:"memo,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	// HoldState is filled on holds in listings: pending, posted or reversed.
	HoldState EntryStatus `json:"hold_state,omitempty"`
}

// IsHold reports whether the entry is an escrow hold.
func (e Entry) IsHold() bool {
	return e.Type == EntrySpend && e.Status == StatusPending
}

// HoldAmount is the positive escrow value of a hold.
func (e Entry) HoldAmount() int64 {
	if e.Amount < 0 {
		return -e.Amount
	}
	return e.Amount
}

// HoldState derives how a hold was resolved from its resolution entry.
func HoldState(resolution *Entry) EntryStatus {
	switch {
	case resolution == nil:
		return StatusPending
	case resolution.Type == EntrySpend:
		return StatusPosted
	default:
		return StatusReversed
	}
}

// Totals are the raw sums the balance is derived from.
type Totals struct {
	Posted      int64
	Held        int64
	LastUpdated time.Time
}

// Balance is the read model returned to callers.
type Balance struct {
	AccountID   string    `json:"account_id"`
	Balance     int64     `json:"balance"`
	Available   int64     `json:"available"`
	Held        int64     `json:"held"`
	Currency    string    `json:"currency"`
	LastUpdated time.Time `json:"last_updated"`
}

// Freeze blocks payouts derived from a job while a dispute is open.
type Freeze struct {
	JobID    uuid.UUID  `json:"job_id"`
	Reason   string     `json:"reason"`
	FrozenAt time.Time  `json:"frozen_at"`
	LiftedAt *time.Time `json:"lifted_at,omitempty"`
}

// Active reports whether the freeze still applies.
func (f Freeze) Active() bool {
	return f.LiftedAt == nil
}

// Settlement groups the entries written when a hold is captured.
type Settlement struct {
	Spend  Entry  `json:"spend"`
	Payout Entry  `json:"payout"`
	Fee    *Entry `json:"fee,omitempty"`
}

// Entries returns the settlement rows in write order.
func (s Settlement) Entries() []Entry {
	out := []Entry{s.Spend, s.Payout}
	if s.Fee != nil {
		out = append(out, *s.Fee)
	}
	return out
}

// OpenHoldInput describes an escrow hold request.
type OpenHoldInput struct {
	AccountID      string
	JobID          uuid.UUID
	Amount         int64
	IdempotencyKey string
}

// SettleInput captures a hold and pays the cleaner out.
type SettleInput struct {
	HoldID           uuid.UUID
	CleanerAccountID string
	IdempotencyKey   string
}

// RefundInput returns part or all of a captured job to the client, clawing the
// amount back from the cleaner first and the platform second.
type RefundInput struct {
	JobID            uuid.UUID
	ClientAccountID  string
	CleanerAccountID string
	Amount           int64
	Memo             string
}

// DepositInput credits a gateway-confirmed top-up.
type DepositInput struct {
	AccountID      string
	PaymentRef     string
	IdempotencyKey string
}

// WithdrawInput cashes credits out through the gateway.
type WithdrawInput struct {
	AccountID      string
	Amount         int64
	IdempotencyKey string
}
