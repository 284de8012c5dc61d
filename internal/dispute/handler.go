package dispute

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sparkle-hq/jobcore/internal/idempotency"
	"github.com/sparkle-hq/jobcore/internal/lifecycle"
	"github.com/sparkle-hq/jobcore/internal/platform/httpx"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

// Handler exposes dispute routes.
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

// MountRoutes registers /disputes routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/disputes/{disputeID}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Post("/resolve", h.resolve)
	})
}

// MountJobRoutes registers the dispute routes nested under /jobs/{jobID}.
func (h *Handler) MountJobRoutes(r chi.Router) {
	r.Post("/dispute", h.open)
	r.Get("/disputes", h.listByJob)
}

type openRequest struct {
	Reason  string `json:"reason" validate:"required,max=512"`
	Details string `json:"details" validate:"max=4096"`
}

type resolveRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=resolved_client resolved_cleaner resolved_split"`
	Note    string `json:"note" validate:"max=4096"`
}

type openResponse struct {
	Dispute Dispute       `json:"dispute"`
	Job     lifecycle.Job `json:"job"`
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) {
	caller, err := httpx.Caller(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	jobID, err := httpx.UUIDParam(r, "jobID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req openRequest
	body, err := httpx.Bind(w, r, h.validator, &req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.Idempotent(w, r, h.guard, "job.dispute", caller, body, false, func(ctx context.Context) (int, any, error) {
		d, job, err := h.service.Open(ctx, caller, OpenInput{JobID: jobID, Reason: req.Reason, Details: req.Details})
		return http.StatusCreated, openResponse{Dispute: d, Job: job}, err
	})
}

func (h *Handler) listByJob(w http.ResponseWriter, r *http.Request) {
	caller, err := httpx.Caller(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	jobID, err := httpx.UUIDParam(r, "jobID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.ListByJob(r.Context(), caller, jobID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if list == nil {
		list = []Dispute{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"disputes": list})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	caller, err := httpx.Caller(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.UUIDParam(r, "disputeID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.Get(r.Context(), caller, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

// resolve answers a repeated ruling with 200 and the ruling already on file.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	caller, err := httpx.Caller(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.UUIDParam(r, "disputeID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req resolveRequest
	body, err := httpx.Bind(w, r, h.validator, &req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := ResolveInput{DisputeID: id, Outcome: Status(req.Outcome), Note: req.Note, IdempotencyKey: httpx.IdempotencyKey(r)}
	httpx.Idempotent(w, r, h.guard, "dispute.resolve", caller, body, true, func(ctx context.Context) (int, any, error) {
		d, err := h.service.Resolve(ctx, caller, in)
		if errors.Is(err, shared.ErrAlreadyResolved) {
			h.logger.Info("dispute already resolved", slog.String("dispute_id", id.String()), slog.String("status", string(d.Status)))
			return http.StatusOK, d, nil
		}
		return http.StatusOK, d, err
	})
}
