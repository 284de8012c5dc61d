package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sparkle-hq/jobcore/internal/platform/httpx"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

// Middleware authenticates bearer tokens and stores the caller in the request
// context. Requests without a token pass through anonymously; handlers reject
// them when an identity is required.
func Middleware(tokens *Tokens, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			scheme, raw, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
				httpx.RespondError(w, errors.Join(shared.ErrUnauthenticated, errors.New("malformed authorization header")))
				return
			}
			caller, err := tokens.Parse(strings.TrimSpace(raw))
			if err != nil {
				logger.Debug("reject token", slog.String("path", r.URL.Path), slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithCaller(r.Context(), caller)))
		})
	}
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...shared.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := httpx.Caller(r)
			if err != nil {
				httpx.RespondError(w, err)
				return
			}
			for _, role := range roles {
				if caller.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.RespondError(w, shared.ErrForbidden)
		})
	}
}
