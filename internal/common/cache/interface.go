// Package cache is the key-value store behind polled submission statuses.
package cache

import (
	"context"
	"math/rand/v2"
	"time"
)

// Cache is the key-value surface used by the grading node. Missing keys read
// as an empty string with a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A zero ttl never expires.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// JitterTTL shortens ttl by up to a tenth so statuses written in a burst do
// not expire in the same instant.
func JitterTTL(ttl time.Duration) time.Duration {
	spread := int64(ttl / 10)
	if spread <= 0 {
		return ttl
	}
	return ttl - time.Duration(rand.Int64N(spread+1))
}
