package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/internal/obsmetrics"
)

// Resilient wraps a primary Store (typically Redis) with a bounded CAS
// retry loop and an in-memory fallback, per spec.md §6: after
// maxAttempts failed CompareAndSet attempts against the primary, writes
// fall back to an in-memory-only Store and a warning is logged. Reads
// prefer the primary but fall back to memory if the primary errors.
type Resilient struct {
	primary     Store
	fallback    *Memory
	maxAttempts int
	logger      *zap.Logger

	usingFallback bool
}

// NewResilient wraps primary with a bounded-retry, in-memory-fallback
// Store. maxAttempts <= 0 uses the spec.md default of 8.
func NewResilient(primary Store, maxAttempts int, logger *zap.Logger) *Resilient {
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resilient{
		primary:     primary,
		fallback:    NewMemory(),
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// UsingFallback reports whether the adapter has fallen back to
// in-memory-only mode after exhausting CAS retries against the primary.
func (r *Resilient) UsingFallback() bool {
	return r.usingFallback
}

func (r *Resilient) Get(ctx context.Context, key string) (Entry, error) {
	if r.usingFallback {
		return r.fallback.Get(ctx, key)
	}
	e, err := r.primary.Get(ctx, key)
	if err != nil && err != ErrNotFound {
		r.logger.Warn("primary store read failed, reading fallback", zap.Error(err))
		return r.fallback.Get(ctx, key)
	}
	return e, err
}

// CompareAndSet retries against the primary store up to maxAttempts
// times on non-conflict errors (backend unavailability), resending the
// same expectedVersion after a backoff. A genuine ErrCASConflict is returned
// immediately: it means another writer won, not that the backend is
// unhealthy, and retrying blindly would just race again.
func (r *Resilient) CompareAndSet(ctx context.Context, key string, value []byte, expectedVersion string) (string, error) {
	if r.usingFallback {
		return r.fallback.CompareAndSet(ctx, key, value, expectedVersion)
	}

	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		version, err := r.primary.CompareAndSet(ctx, key, value, expectedVersion)
		if err == nil {
			return version, nil
		}
		if err == ErrCASConflict {
			return "", err
		}
		lastErr = err
		obsmetrics.RecordCASRetry("primary")
		r.logger.Warn("store CAS attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoffFor(attempt)):
		}
	}

	r.logger.Warn("store CAS attempts exhausted, falling back to in-memory-only store",
		zap.Int("max_attempts", r.maxAttempts), zap.Error(lastErr))
	r.usingFallback = true
	obsmetrics.SetFallbackActive(true)
	return r.fallback.CompareAndSet(ctx, key, value, expectedVersion)
}

func (r *Resilient) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if r.usingFallback {
		return r.fallback.SetWithTTL(ctx, key, value, ttl)
	}
	if err := r.primary.SetWithTTL(ctx, key, value, ttl); err != nil {
		r.logger.Warn("primary store write failed, writing fallback", zap.Error(err))
		return r.fallback.SetWithTTL(ctx, key, value, ttl)
	}
	return nil
}

func (r *Resilient) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if r.usingFallback {
		return r.fallback.ListKeys(ctx, prefix)
	}
	keys, err := r.primary.ListKeys(ctx, prefix)
	if err != nil {
		r.logger.Warn("primary store list failed, listing fallback", zap.Error(err))
		return r.fallback.ListKeys(ctx, prefix)
	}
	return keys, nil
}

func backoffFor(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
	if d > time.Second {
		return time.Second
	}
	return d
}

var _ Store = (*Resilient)(nil)
