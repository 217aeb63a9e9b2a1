package budget

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/internal/store"
)

// persistedState is the JSON wire shape written to the Persistent Store
// Adapter for one BudgetState, pinned to spec.md §6's exact
// BudgetStateData field set so the record round-trips across a process
// restart and is readable by any fleet member running this library.
// ThresholdsCrossed is deliberately excluded: it is not part of
// BudgetStateData and stays in-memory only.
type persistedState struct {
	BudgetID          string             `json:"budget_id"`
	ScopeKey          string             `json:"scope_key"`
	PeriodStart       time.Time          `json:"period_start"`
	PeriodEnd         time.Time          `json:"period_end"`
	TotalCost         float64            `json:"total_cost"`
	TotalRuns         int64              `json:"total_runs"`
	TotalInputTokens  int64              `json:"total_input_tokens"`
	TotalOutputTokens int64              `json:"total_output_tokens"`
	TotalIterations   int64              `json:"total_iterations"`
	TotalToolCalls    int64              `json:"total_tool_calls"`
	ModelCosts        map[string]float64 `json:"model_costs"`
	ToolCosts         map[string]float64 `json:"tool_costs"`
	ConcurrentRunIDs  []string           `json:"concurrent_run_ids"`
}

func encodeBudgetState(key string, s *BudgetState) ([]byte, error) {
	ids := make([]string, 0, len(s.ConcurrentRunIDs))
	for id := range s.ConcurrentRunIDs {
		ids = append(ids, id)
	}
	return json.Marshal(persistedState{
		BudgetID:          s.BudgetID,
		ScopeKey:          key,
		PeriodStart:       s.PeriodStart,
		PeriodEnd:         s.PeriodEnd,
		TotalCost:         s.TotalCostUSD,
		TotalRuns:         s.TotalRuns,
		TotalInputTokens:  s.TotalInputTokens,
		TotalOutputTokens: s.TotalOutputTokens,
		TotalIterations:   s.TotalIterations,
		TotalToolCalls:    s.TotalToolCalls,
		ModelCosts:        s.ModelCosts,
		ToolCosts:         s.ToolCosts,
		ConcurrentRunIDs:  ids,
	})
}

// applyPersisted overwrites the period/counters of s with whatever was
// last durably written, used to restore a budgetEntry created for a key
// the Tracker has not seen yet in this process's lifetime.
func applyPersisted(s *BudgetState, data []byte) error {
	var p persistedState
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s.PeriodStart = p.PeriodStart
	s.PeriodEnd = p.PeriodEnd
	s.TotalCostUSD = p.TotalCost
	s.TotalRuns = p.TotalRuns
	s.TotalInputTokens = p.TotalInputTokens
	s.TotalOutputTokens = p.TotalOutputTokens
	s.TotalIterations = p.TotalIterations
	s.TotalToolCalls = p.TotalToolCalls
	if p.ModelCosts != nil {
		s.ModelCosts = p.ModelCosts
	}
	if p.ToolCosts != nil {
		s.ToolCosts = p.ToolCosts
	}
	if p.ConcurrentRunIDs != nil {
		ids := map[string]bool{}
		for _, id := range p.ConcurrentRunIDs {
			ids[id] = true
		}
		s.ConcurrentRunIDs = ids
	}
	return nil
}

// restoreFromStore fills in be from t.persist if a durable entry exists
// for key, recording the version so a later write can CAS against it.
// Called with be already inserted into t.budgetStates but before it is
// handed to a caller, so no other goroutine can observe the partially
// restored state.
func (t *Tracker) restoreFromStore(key string, be *budgetEntry) {
	if t.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entry, err := t.persist.Get(ctx, key)
	if err != nil {
		if err != store.ErrNotFound {
			t.logger.Warn("budget state restore failed, starting from zero", zap.String("key", key), zap.Error(err))
		}
		return
	}
	if err := applyPersisted(be.state, entry.Value); err != nil {
		t.logger.Warn("budget state restore decode failed, starting from zero", zap.String("key", key), zap.Error(err))
		return
	}
	be.version = entry.Version
}

// persistLocked durably writes be's current state, to be called with
// be.mu already held by the caller. A CAS conflict means another Tracker
// instance in the fleet wrote this key more recently; this Tracker logs
// it and keeps its own in-memory value authoritative for the rest of
// this process's lifetime rather than attempting a field-by-field merge.
func (t *Tracker) persistLocked(key string, be *budgetEntry) {
	if t.persist == nil {
		return
	}
	data, err := encodeBudgetState(key, be.state)
	if err != nil {
		t.logger.Warn("budget state encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	version, err := t.persist.CompareAndSet(ctx, key, data, be.version)
	if err != nil {
		if err == store.ErrCASConflict {
			t.logger.Warn("budget state CAS conflict, keeping local state authoritative", zap.String("key", key))
			return
		}
		t.logger.Warn("budget state persist failed", zap.String("key", key), zap.Error(err))
		return
	}
	be.version = version
}
