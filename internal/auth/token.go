package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sparkle-hq/jobcore/internal/shared"
)

// Claims carried by a caller token. The subject is the caller id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Tokens verifies and, for operator tooling and tests, issues HMAC signed
// caller tokens.
type Tokens struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewTokens builds a Tokens instance. An empty issuer disables the issuer check.
func NewTokens(secret, issuer string) (*Tokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second, now: time.Now}, nil
}

// SetClock overrides the time source used for issuing and validation.
func (t *Tokens) SetClock(now func() time.Time) {
	if now != nil {
		t.now = now
	}
}

// Issue signs a token for the caller valid for ttl.
func (t *Tokens) Issue(caller shared.Caller, ttl time.Duration) (string, error) {
	if !caller.Role.IsValid() {
		return "", fmt.Errorf("auth: unknown role %q", caller.Role)
	}
	now := t.now()
	claims := Claims{
		Role: string(caller.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.ID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Parse validates a raw token and returns the caller it names.
func (t *Tokens) Parse(raw string) (shared.Caller, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(t.leeway),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, opts...)
	if err != nil {
		return shared.Caller{}, fmt.Errorf("%w: %v", shared.ErrUnauthenticated, err)
	}
	caller := shared.Caller{ID: strings.TrimSpace(claims.Subject), Role: shared.Role(claims.Role)}
	if caller.ID == "" {
		return shared.Caller{}, fmt.Errorf("%w: token has no subject", shared.ErrUnauthenticated)
	}
	if !caller.Role.IsValid() {
		return shared.Caller{}, fmt.Errorf("%w: unknown role %q", shared.ErrUnauthenticated, claims.Role)
	}
	return caller, nil
}
