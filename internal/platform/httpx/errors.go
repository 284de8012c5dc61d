package httpx

import (
	"errors"
	"net/http"

	"github.com/sparkle-hq/jobcore/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807. Storage and
// other unexpected failures are reported as 500 without detail.
func RespondError(w http.ResponseWriter, err error) {
	var (
		guard *shared.GuardrailError
		trans *shared.TransitionError
		pay   *shared.PaymentError
	)
	switch {
	case errors.As(err, &trans):
		p := ProblemDetail{Title: "Invalid Transition", Status: http.StatusConflict, Detail: err.Error(), From: trans.From, To: trans.To}
		if errors.As(err, &guard) {
			p.Reason = guard.Reason
		}
		JSON(w, http.StatusConflict, p)
	case errors.As(err, &guard):
		JSON(w, http.StatusUnprocessableEntity, ProblemDetail{
			Title:  "Guardrail Violation",
			Status: http.StatusUnprocessableEntity,
			Detail: err.Error(),
			Reason: guard.Reason,
		})
	case errors.As(err, &pay):
		JSON(w, http.StatusBadGateway, ProblemDetail{
			Title:     "Payment Provider Error",
			Status:    http.StatusBadGateway,
			Detail:    err.Error(),
			Retryable: &pay.Retryable,
		})
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrUnauthenticated):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrInsufficientBalance):
		Problem(w, http.StatusPaymentRequired, "Insufficient Balance", err.Error())
	case errors.Is(err, shared.ErrPayoutFrozen):
		Problem(w, http.StatusLocked, "Payout Frozen", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict), errors.Is(err, shared.ErrRequestInFlight):
		Problem(w, http.StatusConflict, "Idempotency Conflict", err.Error())
	case errors.Is(err, shared.ErrConcurrencyConflict):
		Problem(w, http.StatusConflict, "Concurrency Conflict", err.Error())
	case errors.Is(err, shared.ErrInvalidState), errors.Is(err, shared.ErrAlreadyResolved):
		Problem(w, http.StatusConflict, "Invalid State", err.Error())
	case errors.Is(err, shared.ErrPaymentProvider):
		Problem(w, http.StatusBadGateway, "Payment Provider Error", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
