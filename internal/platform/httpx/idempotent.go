package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sparkle-hq/jobcore/internal/idempotency"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

const (
	// HeaderIdempotencyKey carries the client supplied retry key.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderReplayed is set on responses served from a stored outcome.
	HeaderReplayed = "Idempotent-Replayed"
)

// Caller returns the authenticated caller or ErrUnauthenticated.
func Caller(r *http.Request) (shared.Caller, error) {
	caller, ok := shared.CallerFromContext(r.Context())
	if !ok {
		return shared.Caller{}, shared.ErrUnauthenticated
	}
	return caller, nil
}

// Command is a mutating operation run at most once per idempotency key.
type Command func(ctx context.Context) (status int, payload any, err error)

// Idempotent executes cmd under the request's Idempotency-Key and writes the
// JSON outcome. Keys are namespaced per caller. When required is false a
// request without a key runs unguarded.
func Idempotent(w http.ResponseWriter, r *http.Request, guard *idempotency.Guard, scope string, caller shared.Caller, body []byte, required bool, cmd Command) {
	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key == "" && (!required || guard == nil) {
		status, payload, err := cmd(r.Context())
		if err != nil {
			RespondError(w, err)
			return
		}
		JSON(w, status, payload)
		return
	}
	if key == "" {
		RespondError(w, fmt.Errorf("%w: %s header required", shared.ErrValidation, HeaderIdempotencyKey))
		return
	}
	if len(key) > idempotency.MaxKeyLength {
		RespondError(w, fmt.Errorf("%w: %s longer than %d", shared.ErrValidation, HeaderIdempotencyKey, idempotency.MaxKeyLength))
		return
	}

	req := idempotency.Request{
		Key:         caller.ID + ":" + key,
		Scope:       scope,
		Fingerprint: idempotency.Fingerprint(r.Method, r.URL.Path, caller.ID, string(body)),
	}
	outcome, err := guard.Execute(r.Context(), req, func(ctx context.Context) (int, []byte, error) {
		status, payload, err := cmd(ctx)
		if err != nil {
			return 0, nil, err
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode response: %w", err)
		}
		return status, encoded, nil
	})
	if err != nil {
		RespondError(w, err)
		return
	}
	if outcome.Replayed {
		w.Header().Set(HeaderReplayed, "true")
	}
	Raw(w, outcome.StatusCode, outcome.Body)
}

// IdempotencyKey returns the trimmed request key, if any.
func IdempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
}
