// Package cache provides the shared TTL key/value store that holds every
// piece of OTP, lockout and blacklist state. Nothing in the service keeps that
// state in process memory.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("cache: key not found")

// ErrInvalidTTL is returned by Set for non-positive TTLs. Entries without an
// expiry would never be reclaimed.
var ErrInvalidTTL = errors.New("cache: ttl must be positive")

type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
}
