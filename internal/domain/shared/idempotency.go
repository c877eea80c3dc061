package shared

import (
	"context"
	"time"
)

// IdempotencyStore remembers the response produced for an idempotency key so
// that a replayed request gets the same answer without being applied twice.
type IdempotencyStore interface {
	// Reserve claims the key. Returns false if the key was already claimed.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Save stores the response recorded for a claimed key
	Save(ctx context.Context, key string, response []byte, ttl time.Duration) error

	// Lookup returns the stored response, if any
	Lookup(ctx context.Context, key string) ([]byte, bool, error)

	// Release forgets a claimed key, used when the request failed before completing
	Release(ctx context.Context, key string) error

	// Close closes the store and releases resources
	Close() error
}

// IdempotencyConfig holds configuration for idempotency handling
type IdempotencyConfig struct {
	// TTL is how long a key and its response are remembered
	// Default: 24 hours
	TTL time.Duration

	// Enabled determines whether idempotency checking is enabled
	// Default: true
	Enabled bool
}

// DefaultIdempotencyConfig returns the default idempotency configuration
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTL:     24 * time.Hour,
		Enabled: true,
	}
}
