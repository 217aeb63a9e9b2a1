// Package store implements the Persistent Store Adapter: a thin,
// optimistic-concurrency contract over an external KV backend used to
// durably carry BudgetState across process restarts and across a fleet
// of guard instances.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when key does not exist.
var ErrNotFound = errors.New("store: key not found")

// ErrCASConflict is returned by CompareAndSet when the stored value's
// version no longer matches expectedVersion.
var ErrCASConflict = errors.New("store: compare-and-set conflict")

// Entry is a versioned value as read back from the store. Version is
// opaque to callers; implementations use whatever the backend offers
// (a Redis value hash, an ETag, ...) as long as CompareAndSet can detect
// a concurrent writer.
type Entry struct {
	Value   []byte
	Version string
}

// Store is the Persistent Store Adapter contract from spec.md §6: get,
// optimistic compare-and-set, set-with-ttl, and list-keys. The budget
// Tracker writes its state through CompareAndSet, which sets no expiry,
// so a budget's state key does not expire at the budget's period_end;
// only SetWithTTL writes a key with an expiry.
type Store interface {
	// Get returns the current value and version for key, or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// CompareAndSet writes value for key only if the stored version still
	// equals expectedVersion (or the key doesn't exist and expectedVersion
	// is ""). Returns the new version on success, ErrCASConflict otherwise.
	CompareAndSet(ctx context.Context, key string, value []byte, expectedVersion string) (string, error)

	// SetWithTTL writes value for key unconditionally, expiring at ttl.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// ListKeys returns every key matching a backend-specific prefix
	// pattern. The Tracker does not call it; it restores each BudgetState
	// lazily through Get on first use.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}
