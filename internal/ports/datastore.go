package ports

import (
	"context"
	"time"
)

// Window is the fixed-window counter of one (service, identifier) pair.
type Window struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// Expired reports whether the window has ended at now.
func (w Window) Expired(now time.Time) bool {
	return !now.Before(w.ResetAt)
}

// WindowStore persists fixed-window counters. The in-memory store is per process; the Redis and DynamoDB
// stores let several process instances share one quota.
// Implementations MUST apply Hit atomically for a given (service, identifier).
type WindowStore interface {
	// Hit tries to admit one request. A missing or expired window restarts at count 1 with ResetAt = now+window
	// and is always admitted. A live window below max is incremented and admitted; otherwise the request is
	// rejected and the window is returned unchanged.
	Hit(ctx context.Context, service, identifier string, max int, window time.Duration, now time.Time) (Window, bool, error)

	// Release decrements the count of a live window by one, floored at zero. Missing or expired windows are ignored.
	Release(ctx context.Context, service, identifier string, now time.Time) error

	// List returns the windows known for service keyed by identifier. Expired windows MAY be included.
	List(ctx context.Context, service string) (map[string]Window, error)

	Delete(ctx context.Context, service, identifier string) error

	// DeleteExpired removes windows that ended before now and returns how many were removed.
	// Stores with native expiry MAY return 0.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// ClearAll removes every window. Used by admin reset and tests.
	ClearAll(ctx context.Context) error
}

// CacheTier is an optional shared tier behind the in-process cache.
type CacheTier interface {
	// Get returns the value and the time it has left. It MUST return (nil, 0, false, nil) on a miss;
	// values without a positive remaining TTL are misses.
	Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
