package dispute_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkle-hq/jobcore/internal/dispute"
	"github.com/sparkle-hq/jobcore/internal/lifecycle"
	"github.com/sparkle-hq/jobcore/internal/platform/httpx"
	"github.com/sparkle-hq/jobcore/internal/shared"
	"github.com/sparkle-hq/jobcore/internal/testing/harness"
)

func newRouter(h *harness.Harness) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if raw := req.Header.Get("X-Test-Caller"); raw != "" {
				role, id, _ := strings.Cut(raw, ":")
				req = req.WithContext(shared.ContextWithCaller(req.Context(), shared.Caller{ID: id, Role: shared.Role(role)}))
			}
			next.ServeHTTP(w, req)
		})
	})
	disputes := dispute.NewHandler(nil, h.Disputes, h.Guard)
	lifecycle.NewHandler(nil, h.Jobs, h.Guard).MountRoutes(r, disputes.MountJobRoutes)
	disputes.MountRoutes(r)
	return r
}

func post(t *testing.T, srv http.Handler, path, caller, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("X-Test-Caller", caller)
	if key != "" {
		req.Header.Set(httpx.HeaderIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHandlerDisputeFlow(t *testing.T) {
	h := harness.New(t)
	srv := newRouter(h)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusAwaitingApproval)

	rec := post(t, srv, "/jobs/"+job.ID.String()+"/dispute", "client:"+client, "", map[string]any{"reason": "streaky windows"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var opened struct {
		Dispute dispute.Dispute `json:"dispute"`
		Job     lifecycle.Job   `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &opened))
	assert.Equal(t, lifecycle.StatusDisputed, opened.Job.Status)

	// the job routes still resolve next to the nested dispute routes
	rec = post(t, srv, "/jobs/"+job.ID.String()+"/approve", "client:"+client, "A1", map[string]any{})
	assert.Equal(t, http.StatusConflict, rec.Code)

	path := "/disputes/" + opened.Dispute.ID.String() + "/resolve"
	rec = post(t, srv, path, "operator:ops-1", "", map[string]any{"outcome": "resolved_cleaner"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "key required")
	rec = post(t, srv, path, "operator:ops-1", "R1", map[string]any{"outcome": "nobody"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, srv, path, "operator:ops-1", "R1", map[string]any{"outcome": "resolved_cleaner"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// a second operator with a different key gets the ruling on file
	rec = post(t, srv, path, "operator:ops-2", "R9", map[string]any{"outcome": "resolved_client"})
	require.Equal(t, http.StatusOK, rec.Code)
	var again dispute.Dispute
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.Equal(t, dispute.StatusResolvedCleaner, again.Status)
	assert.EqualValues(t, 8500, h.Balance(t, cleaner).Balance)
}

func TestHandlerWindowClosedReportsReason(t *testing.T) {
	h := harness.New(t)
	srv := newRouter(h)
	job := h.Advance(t, h.Book(t, client, escrow), cleaner, lifecycle.StatusCompleted)
	h.Clock.Advance(100 * time.Hour)

	rec := post(t, srv, "/jobs/"+job.ID.String()+"/dispute", "client:"+client, "", map[string]any{"reason": "late"})
	require.Equal(t, http.StatusConflict, rec.Code)
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, shared.ReasonDisputeWindowClosed, problem.Reason)
	assert.Equal(t, string(lifecycle.StatusCompleted), problem.From)
}
