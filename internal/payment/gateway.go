// Package payment talks to the external payment processor. Card handling and
// settlement live on the provider side; this package only captures escrowed
// credits, confirms top-ups and pays cleaners out.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownPayment indicates the provider has no record of a payment reference.
var ErrUnknownPayment = errors.New("unknown payment reference")

// Gateway is the provider surface used by the ledger.
type Gateway interface {
	Capture(ctx context.Context, req CaptureRequest) (Receipt, error)
	Confirm(ctx context.Context, paymentRef string) (Confirmation, error)
	Payout(ctx context.Context, req PayoutRequest) (Receipt, error)
}

// CaptureRequest settles an escrow hold with the provider.
type CaptureRequest struct {
	HoldID         uuid.UUID `json:"hold_id"`
	JobID          uuid.UUID `json:"job_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// PayoutRequest sends credits to a cleaner's external account.
type PayoutRequest struct {
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Receipt is the provider acknowledgement of a capture or payout.
type Receipt struct {
	Reference   string    `json:"reference"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Confirmation describes a completed client top-up.
type Confirmation struct {
	Reference string `json:"reference"`
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
}
