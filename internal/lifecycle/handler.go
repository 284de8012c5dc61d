package lifecycle

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sparkle-hq/jobcore/internal/evidence"
	"github.com/sparkle-hq/jobcore/internal/idempotency"
	"github.com/sparkle-hq/jobcore/internal/platform/httpx"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

// Handler exposes the job lifecycle over HTTP.
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

// MountRoutes registers job routes on provided router. Extensions are mounted
// under /jobs/{jobID} alongside the lifecycle routes.
func (h *Handler) MountRoutes(r chi.Router, extensions ...func(chi.Router)) {
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.book)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Get("/history", h.history)
			r.Get("/evidence", h.evidence)
			r.Post("/accept", h.transition("job.accept", h.service.Accept))
			r.Post("/en-route", h.transition("job.en_route", h.service.SendEnRoute))
			r.Post("/check-in", h.checkIn)
			r.Post("/check-out", h.checkOut)
			r.Post("/override", h.override)
			r.Post("/photos", h.uploadPhoto)
			r.Post("/start", h.transition("job.start", h.service.StartWork))
			r.Post("/pause", h.transition("job.pause", h.service.PauseWork))
			r.Post("/resume", h.transition("job.resume", h.service.ResumeWork))
			r.Post("/submit", h.transition("job.submit", h.service.Submit))
			r.Post("/approve", h.approve)
			r.Post("/cancel", h.cancel)
			for _, mount := range extensions {
				mount(r)
			}
		})
	})
}

type coordinatesRequest struct {
	Lat      *float64 `json:"lat" validate:"required,latitude"`
	Lng      *float64 `json:"lng" validate:"required,longitude"`
	Accuracy float64  `json:"accuracy_m" validate:"gte=0"`
}

func (c coordinatesRequest) coordinates() evidence.Coordinates {
	return evidence.Coordinates{Lat: *c.Lat, Lng: *c.Lng, AccuracyMeters: c.Accuracy}
}

type bookRequest struct {
	ScheduledStart time.Time          `json:"scheduled_start" validate:"required"`
	ScheduledEnd   time.Time          `json:"scheduled_end" validate:"required,gtfield=ScheduledStart"`
	EscrowAmount   int64              `json:"escrow_amount" validate:"gt=0"`
	Location       coordinatesRequest `json:"location" validate:"required"`
	Address        string             `json:"address" validate:"max=512"`
}

type approveRequest struct {
	Rating *int `json:"rating" validate:"omitempty,min=1,max=5"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,max=512"`
}

type overrideRequest struct {
	Note string `json:"note" validate:"required,max=1024"`
}

type photoRequest struct {
	Kind string `json:"kind" validate:"required,oneof=before after"`
	URL  string `json:"url" validate:"required,url"`
}

type checkInResponse struct {
	Job      Job                   `json:"job"`
	CheckIn  evidence.CheckInEvent `json:"check_in"`
	Override bool                  `json:"override,omitempty"`
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (shared.Caller, uuid.UUID, bool) {
	caller, err := httpx.Caller(r)
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Caller{}, uuid.Nil, false
	}
	jobID, err := httpx.UUIDParam(r, "jobID")
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Caller{}, uuid.Nil, false
	}
	return caller, jobID, true
}

func (h *Handler) book(w http.ResponseWriter, r *http.Request) {
	caller, err := httpx.Caller(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req bookRequest
	body, err := httpx.Bind(w, r, h.validator, &req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := BookInput{
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		EscrowAmount:   req.EscrowAmount,
		Location:       req.Location.coordinates(),
		Address:        req.Address,
		IdempotencyKey: httpx.IdempotencyKey(r),
	}
	httpx.Idempotent(w, r, h.guard, "job.book", caller, body, false, func(ctx context.Context) (int, any, error) {
		res, err := h.service.Book(ctx, caller, in)
		return http.StatusCreated, res, err
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	caller, jobID, ok := h.target(w, r)
	if !ok {
		return
	}
	job, err := h.service.GetJob(r.Context(), caller, jobID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, job)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	caller, jobID, ok := h.target(w, r)
	if !ok {
		return
	}
	trs, err := h.service.History(r.Context(), caller, jobID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"job_id": jobID, "transitions": trs})
}

func (h *Handler) evidence(w http.ResponseWriter, r *http.Request) {
	caller, jobID, ok := h.target(w, r)
	if !ok {
		return
	}
	ev, err := h.service.Evidence(r.Context(), caller, jobID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ev)
}

// transition adapts a body-less command to a handler. A supplied
// Idempotency-Key is honoured.
func (h *Handler) transition(scope string, op func(context.Context, shared.Caller, uuid.UUID) (Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, jobID, ok := h.target(w, r)
		if !ok {
			return
		}
		httpx.Idempotent(w, r, h.guard, scope, caller, nil, false, func(ctx context.Context) (int, any, error) {
			res, err := op(ctx, caller, jobID)
			return http.StatusOK, res, err
		})
	}
}

func (h *Handler) checkIn(w http.ResponseWriter, r *http.Request) {
	caller, jobID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req coordinatesRequest
	if _, err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, ev, err := h.service.CheckIn(r.Context(), caller, jobID, req.coordinates())
	if err != nil {
		if ev.ID != uuid.Nil {
			h.logger.Info("check-in recorded but transition denied",
				slog.String("job_id", jobID.String()),
				slog.Float64("distance_m", ev.DistanceFromJobMeters))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, checkInResponse{Job: res.Job, CheckIn: ev, Override: res.Override})
}

func (h *Handler) checkOut(w http.ResponseWriter, r *http.Request) {
	caller, jobID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req coordinatesRequest
	if _, err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ev, err := h.service.CheckOut(r.Context(), caller, jobID, req.coordinates())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ev)
}

func (h *Handler) override(w http.ResponseWriter, r *http.Request) {
	caller, jobID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if _, err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ev, err := h.service.RecordOverride(r.Context(), caller, jobID, req.Note)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ev)
}

func (h *Handler) uploadPhoto(w http.ResponseWriter, r *http.Request) {
	caller, jobID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req photoRequest
	if _, err := httpx.Bind(w, r, h.validator, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	photo, err := h.service.UploadPhoto(r.Context(), caller, jobID, evidence.PhotoKind(req.Kind), req.URL)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, photo)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	caller, jobID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req approveRequest
	body, err := httpx.Bind(w, r, h.validator, &req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := ApproveInput{Rating: req.Rating, IdempotencyKey: httpx.IdempotencyKey(r)}
	httpx.Idempotent(w, r, h.guard, "job.approve", caller, body, true, func(ctx context.Context) (int, any, error) {
		res, err := h.service.Approve(ctx, caller, jobID, in)
		return http.StatusOK, res, err
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	caller, jobID, ok := h.target(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	body, err := httpx.Bind(w, r, h.validator, &req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.Idempotent(w, r, h.guard, "job.cancel", caller, body, false, func(ctx context.Context) (int, any, error) {
		res, err := h.service.Cancel(ctx, caller, jobID, req.Reason)
		return http.StatusOK, res, err
	})
}
