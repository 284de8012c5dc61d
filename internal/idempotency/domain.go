package idempotency

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Record is the stored outcome of the first execution of a key.
type Record struct {
	Key         string
	Scope       string
	Fingerprint string
	StatusCode  int
	Result      []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the record no longer deduplicates.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ErrDuplicateKey is returned by Store.Insert when the key already exists.
var ErrDuplicateKey = errors.New("idempotency key already stored")

// Store persists idempotency records. Key is unique.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Insert(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key string) error
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Atomic is implemented by stores that can commit the record in the same
// transaction as the command it deduplicates.
type Atomic interface {
	RunInTx(ctx context.Context, fn func(context.Context) error) error
}

// Locker serialises work on a single key across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Fingerprint hashes the logical request (method, route, payload, caller).
func Fingerprint(parts ...string) string {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
