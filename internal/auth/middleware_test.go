package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkle-hq/jobcore/internal/auth"
	"github.com/sparkle-hq/jobcore/internal/platform/httpx"
	"github.com/sparkle-hq/jobcore/internal/shared"
)

func newServer(t *testing.T, tokens *auth.Tokens) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	r.Use(auth.Middleware(tokens, nil))
	r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
		caller, err := httpx.Caller(r)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"id": caller.ID, "role": string(caller.Role)})
	})
	r.With(auth.RequireRole(shared.RoleOperator)).Get("/ops", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func get(srv http.Handler, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareResolvesCaller(t *testing.T) {
	tokens, err := auth.NewTokens("s3cret", "jobcore")
	require.NoError(t, err)
	srv := newServer(t, tokens)

	token, err := tokens.Issue(shared.Caller{ID: "client-1", Role: shared.RoleClient}, time.Hour)
	require.NoError(t, err)

	rec := get(srv, "/whoami", "Bearer "+token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":"client-1","role":"client"}`, rec.Body.String())

	rec = get(srv, "/whoami", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = get(srv, "/whoami", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	tokens, err := auth.NewTokens("s3cret", "jobcore")
	require.NoError(t, err)
	srv := newServer(t, tokens)

	other, err := auth.NewTokens("different", "jobcore")
	require.NoError(t, err)
	forged, err := other.Issue(shared.Caller{ID: "client-1", Role: shared.RoleClient}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(srv, "/whoami", "Bearer "+forged).Code)

	foreign, err := auth.NewTokens("s3cret", "elsewhere")
	require.NoError(t, err)
	wrongIssuer, err := foreign.Issue(shared.Caller{ID: "client-1", Role: shared.RoleClient}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(srv, "/whoami", "Bearer "+wrongIssuer).Code)

	expired, err := tokens.Issue(shared.Caller{ID: "client-1", Role: shared.RoleClient}, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(srv, "/whoami", "Bearer "+expired).Code)

	unknownRole := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "root",
			Issuer:    "jobcore",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := unknownRole.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(srv, "/whoami", "Bearer "+signed).Code)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, auth.Claims{Role: "operator", RegisteredClaims: jwt.RegisteredClaims{Subject: "ops"}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(srv, "/whoami", "Bearer "+unsigned).Code)
}

func TestRequireRole(t *testing.T) {
	tokens, err := auth.NewTokens("s3cret", "")
	require.NoError(t, err)
	srv := newServer(t, tokens)

	client, err := tokens.Issue(shared.Caller{ID: "client-1", Role: shared.RoleClient}, time.Hour)
	require.NoError(t, err)
	ops, err := tokens.Issue(shared.Caller{ID: "ops-1", Role: shared.RoleOperator}, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, get(srv, "/ops", "Bearer "+client).Code)
	assert.Equal(t, http.StatusNoContent, get(srv, "/ops", "Bearer "+ops).Code)
	assert.Equal(t, http.StatusUnauthorized, get(srv, "/ops", "").Code)
}

func TestIssueRejectsUnknownRole(t *testing.T) {
	_, err := auth.NewTokens("", "x")
	require.Error(t, err)

	tokens, err := auth.NewTokens("s3cret", "")
	require.NoError(t, err)
	_, err = tokens.Issue(shared.Caller{ID: "x", Role: "admin"}, time.Hour)
	require.Error(t, err)
}
