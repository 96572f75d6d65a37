// Package cache provides the shared cache and lease substrate used for
// coordination between the orchestrator, executor and alerting engine.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseHeld is returned by Lease.Acquire when another holder owns the lease.
var ErrLeaseHeld = errors.New("lease already held")

// Cache is the key/value, set and list interface consumed by the engine.
// A replacement backend must offer set-if-absent with TTL plus set and list
// primitives; these are contract surface, not implementation detail.
type Cache interface {
	// Get returns the value for key, or ("", false, nil) on a miss.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key with a TTL. Zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent. Returns true when stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Expire resets the TTL of key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error
	// SMembers returns all members of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// RPush appends values to the list at key.
	RPush(ctx context.Context, key string, values ...string) error
	// LRange returns list elements in [start, stop].
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Keys returns keys matching pattern. For diagnostics only.
	Keys(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Lease is a cache key with TTL acting as a single-writer token.
type Lease struct {
	cache Cache
	key   string
	token string
	ttl   time.Duration
}

// NewLease builds a lease over key with the given TTL. The token identifies
// the holder and is stored as the key's value.
func NewLease(c Cache, key, token string, ttl time.Duration) *Lease {
	return &Lease{cache: c, key: key, token: token, ttl: ttl}
}

// Acquire takes the lease. Returns ErrLeaseHeld if another holder owns it.
func (l *Lease) Acquire(ctx context.Context) error {
	ok, err := l.cache.SetNX(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseHeld
	}
	return nil
}

// Release drops the lease if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	val, ok, err := l.cache.Get(ctx, l.key)
	if err != nil {
		return err
	}
	if !ok || val != l.token {
		return nil
	}
	return l.cache.Delete(ctx, l.key)
}

// Renew extends the lease TTL while held.
func (l *Lease) Renew(ctx context.Context) error {
	return l.cache.Expire(ctx, l.key, l.ttl)
}
