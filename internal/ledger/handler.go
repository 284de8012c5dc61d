package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sparkle-hq/jobcore/internal/idempotency"
	"github.com/sparkle-hq/jobcore/internal/platform/httpx"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

// Handler exposes balances, statements, top-ups and withdrawals.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     *idempotency.Guard
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard *idempotency.Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guard: guard, validator: httpx.NewValidator()}
}

// MountRoutes registers ledger routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Get("/balance", h.balance)
		r.Get("/ledger", h.entries)
		r.Post("/withdrawals", h.withdraw)
	})
	r.Post("/payments/confirm", h.confirmPayment)
}

type confirmRequest struct {
	PaymentRef string `json:"payment_ref" validate:"required,max=255"`
}

type withdrawRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

type entriesResponse struct {
	Entries    []Entry           `json:"entries"`
	Pagination shared.Pagination `json:"pagination"`
}

type depositResponse struct {
	Entry    Entry `json:"entry"`
	Existing bool  `json:"existing"`
}

// account resolves the path account and checks the caller may read it.
func (h *Handler) account(w http.ResponseWriter, r *http.Request, ownerOnly bool) (shared.Caller, string, bool) {
	caller, err := httpx.Caller(r)
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Caller{}, "", false
	}
	accountID := chi.URLParam(r, "accountID")
	allowed := caller.ID == accountID || (!ownerOnly && caller.IsOperator())
	if !allowed {
		httpx.RespondError(w, fmt.Errorf("%w: account %s belongs to another caller", shared.ErrForbidden, accountID))
		return shared.Caller{}, "", false
	}
	return caller, accountID, true
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	_, accountID, ok := h.account(w, r, false)
	if !ok {
		return
	}
	b, err := h.service.Balance(r.Context(), accountID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) entries(w http.ResponseWriter, r *http.Request) {
	_, accountID, ok := h.account(w, r, false)
	if !ok {
		return
	}
	page := shared.ParsePageRequest(r.URL.Query())
	rows, total, err := h.service.Entries(r.Context(), accountID, page)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if rows == nil {
		rows = []Entry{}
	}
	httpx.JSON(w, http.StatusOK, entriesResponse{Entries: rows, Pagination: shared.NewPagination(page.Page, page.Limit(), total)})
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	caller, err := httpx.Caller(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req confirmRequest
	body, err := httpx.Bind(w, r, h.validator, &req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.Idempotent(w, r, h.guard, "payment.confirm", caller, body, true, func(ctx context.Context) (int, any, error) {
		entry, existing, err := h.service.Deposit(ctx, DepositInput{
			AccountID:      caller.ID,
			PaymentRef:     req.PaymentRef,
			IdempotencyKey: httpx.IdempotencyKey(r),
		})
		status := http.StatusCreated
		if existing {
			status = http.StatusOK
		}
		return status, depositResponse{Entry: entry, Existing: existing}, err
	})
}

func (h *Handler) withdraw(w http.ResponseWriter, r *http.Request) {
	caller, accountID, ok := h.account(w, r, true)
	if !ok {
		return
	}
	var req withdrawRequest
	body, err := httpx.Bind(w, r, h.validator, &req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.Idempotent(w, r, h.guard, "account.withdraw", caller, body, true, func(ctx context.Context) (int, any, error) {
		entry, err := h.service.Withdraw(ctx, WithdrawInput{
			AccountID:      accountID,
			Amount:         req.Amount,
			IdempotencyKey: httpx.IdempotencyKey(r),
		})
		return http.StatusCreated, entry, err
	})
}
