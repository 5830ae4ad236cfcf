// Package ratelimit provides a pluggable rate limiting interface with an
// in-memory token bucket implementation. Deployments that need
// cross-instance coordination can substitute the Limiter contract.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should proceed.
// Implementations must be safe for concurrent use. Limiter errors are
// fail-open: callers permit the request rather than blocking traffic on a
// malfunctioning limiter.
type Limiter interface {
	// Allow returns true if the request should proceed.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
