package shared

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the lifecycle, ledger, gate, guard and dispute packages.
// Every error here is recoverable by the caller; storage failures are returned as-is.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the caller may not act on the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthenticated indicates the request carried no usable identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrValidation indicates malformed input rejected at the boundary.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition indicates a status change not present in the transition table.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidState indicates an operation not permitted in the job's current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrGuardrailViolation indicates evidence or preconditions are unmet.
	ErrGuardrailViolation = errors.New("guardrail violation")
	// ErrConcurrencyConflict indicates another operation won the optimistic race.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrInsufficientBalance indicates an escrow hold cannot be covered.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrIdempotencyConflict indicates a key reused with a different payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
	// ErrRequestInFlight indicates the same idempotency key is being executed right now.
	ErrRequestInFlight = errors.New("request with this idempotency key is in flight")
	// ErrPaymentProvider indicates the external gateway failed or timed out.
	ErrPaymentProvider = errors.New("payment provider error")
	// ErrAlreadyResolved indicates the hold already carries a resolution.
	ErrAlreadyResolved = errors.New("hold already resolved")
	// ErrPayoutFrozen indicates funds are frozen by an open dispute.
	ErrPayoutFrozen = errors.New("payout frozen by open dispute")
)

// Guardrail reasons reported to the user.
const (
	ReasonMissingEvidence      = "missing_evidence"
	ReasonOutsideServiceRadius = "outside_service_radius"
	ReasonDisputeWindowClosed  = "dispute_window_closed"
)

// TransitionError reports the status a job was in and the status that was requested.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// GuardrailError carries the machine-readable reason a transition was denied.
type GuardrailError struct {
	Reason string
	Detail string
}

func (e *GuardrailError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("guardrail violation: %s (%s)", e.Reason, e.Detail)
	}
	return "guardrail violation: " + e.Reason
}

func (e *GuardrailError) Unwrap() error {
	return ErrGuardrailViolation
}

// NewGuardrailError builds a GuardrailError.
func NewGuardrailError(reason, detail string) *GuardrailError {
	return &GuardrailError{Reason: reason, Detail: detail}
}

// PaymentError wraps a gateway failure. Retryable reports whether the same
// idempotency key may be replayed against the provider.
type PaymentError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment provider %s: %v", e.Op, e.Err)
}

func (e *PaymentError) Unwrap() []error {
	return []error{ErrPaymentProvider, e.Err}
}
