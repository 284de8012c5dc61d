package httpx_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkle-hq/jobcore/internal/idempotency"
	"github.com/sparkle-hq/jobcore/internal/platform/httpx"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

func TestRespondErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"transition", &shared.TransitionError{From: "requested", To: "completed"}, http.StatusConflict},
		{"guardrail", shared.NewGuardrailError(shared.ReasonMissingEvidence, "after photo"), http.StatusUnprocessableEntity},
		{"payment", &shared.PaymentError{Op: "capture", Err: errors.New("timeout"), Retryable: true}, http.StatusBadGateway},
		{"not found", fmt.Errorf("job: %w", shared.ErrNotFound), http.StatusNotFound},
		{"unauthenticated", shared.ErrUnauthenticated, http.StatusUnauthorized},
		{"forbidden", shared.ErrForbidden, http.StatusForbidden},
		{"validation", shared.ErrValidation, http.StatusBadRequest},
		{"balance", shared.ErrInsufficientBalance, http.StatusPaymentRequired},
		{"frozen", shared.ErrPayoutFrozen, http.StatusLocked},
		{"idempotency", shared.ErrIdempotencyConflict, http.StatusConflict},
		{"in flight", shared.ErrRequestInFlight, http.StatusConflict},
		{"concurrency", shared.ErrConcurrencyConflict, http.StatusConflict},
		{"state", shared.ErrInvalidState, http.StatusConflict},
		{"storage", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			httpx.RespondError(rec, tc.err)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestRespondErrorCarriesReasonAndStatuses(t *testing.T) {
	rec := httptest.NewRecorder()
	httpx.RespondError(rec, shared.NewGuardrailError(shared.ReasonOutsideServiceRadius, "412m"))
	var p httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, shared.ReasonOutsideServiceRadius, p.Reason)

	rec = httptest.NewRecorder()
	httpx.RespondError(rec, &shared.TransitionError{From: "requested", To: "completed"})
	p = httpx.ProblemDetail{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "requested", p.From)
	assert.Equal(t, "completed", p.To)

	rec = httptest.NewRecorder()
	httpx.RespondError(rec, errors.New("pq: password authentication failed"))
	assert.NotContains(t, rec.Body.String(), "password")
}

type sample struct {
	Reason string `json:"reason" validate:"required,max=8"`
}

func TestBindValidatesByJSONName(t *testing.T) {
	v := httpx.NewValidator()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":""}`))
	_, err := httpx.Bind(httptest.NewRecorder(), req, v, &sample{})
	require.ErrorIs(t, err, shared.ErrValidation)
	assert.Contains(t, err.Error(), "reason failed required")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"ok","extra":1}`))
	_, err = httpx.Bind(httptest.NewRecorder(), req, v, &sample{})
	require.ErrorIs(t, err, shared.ErrValidation)

	var out sample
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"ok"}`))
	body, err := httpx.Bind(httptest.NewRecorder(), req, v, &out)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Reason)
	assert.JSONEq(t, `{"reason":"ok"}`, string(body))
}

func TestIdempotentReplaysStoredOutcome(t *testing.T) {
	guard := idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.NewLocalLocker(time.Second), idempotency.Config{}, nil)
	caller := shared.Caller{ID: "client-1", Role: shared.RoleClient}
	calls := 0
	cmd := func(context.Context) (int, any, error) {
		calls++
		return http.StatusCreated, map[string]int{"n": calls}, nil
	}
	serve := func(key string, required bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
		if key != "" {
			req.Header.Set(httpx.HeaderIdempotencyKey, key)
		}
		rec := httptest.NewRecorder()
		httpx.Idempotent(rec, req, guard, "test", caller, []byte(`{}`), required, cmd)
		return rec
	}

	rec := serve("", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, calls)

	rec = serve("k1", true)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get(httpx.HeaderReplayed))

	rec = serve("k1", true)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(httpx.HeaderReplayed))
	assert.JSONEq(t, `{"n":1}`, rec.Body.String())
	assert.Equal(t, 1, calls)

	rec = serve("", false)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 2, calls)

	rec = serve(strings.Repeat("x", idempotency.MaxKeyLength+1), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
