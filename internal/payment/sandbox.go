package payment

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sparkle-hq/jobcore/internal/shared"
)

// SandboxPrefix marks self-describing sandbox payment references of the form
// "sandbox:<account>:<amount>".
const SandboxPrefix = "sandbox:"

// Sandbox is an in-process Gateway used when no provider URL is configured and
// in tests.
type Sandbox struct {
	mu            sync.Mutex
	currency      string
	confirmations map[string]Confirmation
	failures      map[string]error
	Captures      []CaptureRequest
	Payouts       []PayoutRequest
}

var _ Gateway = (*Sandbox)(nil)

// NewSandbox constructs a Sandbox for the given currency.
func NewSandbox(currency string) *Sandbox {
	return &Sandbox{
		currency:      currency,
		confirmations: make(map[string]Confirmation),
		failures:      make(map[string]error),
	}
}

// Seed registers a confirmable top-up.
func (s *Sandbox) Seed(c Confirmation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Currency == "" {
		c.Currency = s.currency
	}
	s.confirmations[c.Reference] = c
}

// FailNext makes the next call of op ("capture", "confirm", "payout") fail.
func (s *Sandbox) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

func (s *Sandbox) takeFailure(op string) error {
	err, ok := s.failures[op]
	if !ok {
		return nil
	}
	delete(s.failures, op)
	return &shared.PaymentError{Op: op, Err: err, Retryable: true}
}

func (s *Sandbox) Capture(ctx context.Context, req CaptureRequest) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("capture"); err != nil {
		return Receipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, &shared.PaymentError{Op: "capture", Err: err, Retryable: true}
	}
	s.Captures = append(s.Captures, req)
	return Receipt{Reference: "cap_" + uuid.NewString(), ProcessedAt: time.Now().UTC()}, nil
}

func (s *Sandbox) Payout(ctx context.Context, req PayoutRequest) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("payout"); err != nil {
		return Receipt{}, err
	}
	s.Payouts = append(s.Payouts, req)
	return Receipt{Reference: "po_" + uuid.NewString(), ProcessedAt: time.Now().UTC()}, nil
}

func (s *Sandbox) Confirm(ctx context.Context, paymentRef string) (Confirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("confirm"); err != nil {
		return Confirmation{}, err
	}
	if c, ok := s.confirmations[paymentRef]; ok {
		return c, nil
	}
	if rest, ok := strings.CutPrefix(paymentRef, SandboxPrefix); ok {
		account, rawAmount, found := strings.Cut(rest, ":")
		amount, err := strconv.ParseInt(rawAmount, 10, 64)
		if found && err == nil && account != "" {
			return Confirmation{Reference: paymentRef, AccountID: account, Amount: amount, Currency: s.currency}, nil
		}
	}
	return Confirmation{}, fmt.Errorf("%w: %w", shared.ErrValidation, ErrUnknownPayment)
}
