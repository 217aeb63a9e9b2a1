package policystore

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/internal/obsmetrics"
)

// Store holds the current Snapshot behind an atomic pointer so readers
// never take a lock: every request through the Guard's hot path reads
// store.Current() and works off an immutable copy, the way the host
// orchestrator's OPA engine snapshots compiled policies rather than
// locking around every evaluation.
type Store struct {
	dir       string
	envPrefix string
	logger    *zap.Logger
	cur       atomic.Pointer[Snapshot]
}

// New creates a Store and performs the initial load from dir, with no
// environment-variable policy source.
func New(dir string, logger *zap.Logger) (*Store, error) {
	return NewWithEnv(dir, "", logger)
}

// NewWithEnv creates a Store that, on every load, additionally
// synthesizes a global wildcard budget/routing policy from
// "{envPrefix}MAX_COST/PERIOD/DEFAULT_MODEL/FALLBACK_MODEL" per spec.md
// §6's environment-variable source. An empty envPrefix disables this
// (equivalent to New).
func NewWithEnv(dir, envPrefix string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{dir: dir, envPrefix: envPrefix, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the active Snapshot. Safe for concurrent use without
// locking.
func (s *Store) Current() Snapshot {
	p := s.cur.Load()
	if p == nil {
		return Snapshot{}
	}
	return *p
}

// Reload loads the policy directory fresh and atomically swaps it in.
// A failed reload leaves the previous Snapshot in place, logs a warning
// and returns the error, without tearing down the guard.
func (s *Store) Reload() error {
	start := time.Now()
	snap, err := LoadDir(s.dir)
	obsmetrics.PolicyLoadLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		obsmetrics.PolicyLoads.WithLabelValues("error").Inc()
		s.logger.Warn("policy reload failed, keeping previous snapshot", zap.Error(err))
		return err
	}
	obsmetrics.PolicyLoads.WithLabelValues("ok").Inc()

	if s.envPrefix != "" {
		if eb, er, ok := LoadEnv(s.envPrefix); ok {
			snap.Budgets = append(snap.Budgets, *eb)
			if er != nil {
				snap.Routing = append(snap.Routing, *er)
			}
		}
	}

	snap.LoadedAt = time.Now()
	s.cur.Store(&snap)
	s.logger.Info("policy snapshot loaded",
		zap.Int("budgets", len(snap.Budgets)),
		zap.Int("routing_policies", len(snap.Routing)),
		zap.Int("priced_models", len(snap.Pricing.Models)),
	)
	return nil
}

// WatchReload starts a ticker-based refresh loop honoring interval,
// stopping when ctx is canceled. It is the package's only automatic
// reload path; the policy directory is polled, not watched for file
// events.
func (s *Store) WatchReload(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Reload()
			}
		}
	}()
}
