package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sparkle-hq/jobcore/internal/auth"
	"github.com/sparkle-hq/jobcore/internal/dispute"
	"github.com/sparkle-hq/jobcore/internal/ledger"
	"github.com/sparkle-hq/jobcore/internal/lifecycle"
	"github.com/sparkle-hq/jobcore/internal/observability"
	"github.com/sparkle-hq/jobcore/internal/platform/httpx"
	"github.com/sparkle-hq/jobcore/internal/shared"
	"github.com/sparkle-hq/jobcore/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Tokens          *auth.Tokens
	Metrics         *observability.Metrics
	JobHandler      *lifecycle.Handler
	LedgerHandler   *ledger.Handler
	DisputeHandler  *dispute.Handler
	QueueHandler    *jobs.Handler
	ReadinessProbes map[string]func(context.Context) error
}

// NewRouter constructs the chi.Router with the job core routes.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	mwCfg := MiddlewareConfig{Logger: params.Logger, Config: params.Config, Metrics: params.Metrics}
	for _, mw := range MiddlewareStack(mwCfg) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(params.Logger, params.ReadinessProbes))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		for _, mw := range APIStack(mwCfg, params.Tokens) {
			r.Use(mw)
		}
		var jobExtensions []func(chi.Router)
		if params.DisputeHandler != nil {
			jobExtensions = append(jobExtensions, params.DisputeHandler.MountJobRoutes)
			params.DisputeHandler.MountRoutes(r)
		}
		if params.JobHandler != nil {
			params.JobHandler.MountRoutes(r, jobExtensions...)
		}
		if params.LedgerHandler != nil {
			params.LedgerHandler.MountRoutes(r)
		}
		if params.QueueHandler != nil {
			r.With(auth.RequireRole(shared.RoleOperator)).Route("/ops/queues", params.QueueHandler.MountRoutes)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, shared.ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed), "")
	})

	return r
}

func readiness(logger *slog.Logger, probes map[string]func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := map[string]string{}
		code := http.StatusOK
		for name, probe := range probes {
			if err := probe(ctx); err != nil {
				logger.Warn("readiness probe failed", slog.String("probe", name), slog.Any("error", err))
				status[name] = "down"
				code = http.StatusServiceUnavailable
				continue
			}
			status[name] = "up"
		}
		httpx.JSON(w, code, status)
	}
}
