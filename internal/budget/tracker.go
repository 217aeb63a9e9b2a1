// Package budget tracks per-run and per-period spend against the
// BudgetSpecs resolved from internal/policystore, detecting hard-limit
// and soft-threshold crossings.
//
// Mutex Lock Ordering (important - to prevent deadlocks):
//  1. runsMu        - protects the runs map itself (add/remove a run)
//  2. run.mu         - protects one RunState
//  3. budgetsMu      - protects the budgetStates map itself
//  4. budgetState.mu - protects one BudgetState's counters
//
// When an operation must touch several BudgetStates at once (a call can
// match several concurrently-applicable budgets), their individual locks
// are always acquired in ascending order of scope_key so two goroutines
// touching an overlapping set of budgets can never deadlock against each
// other.
package budget

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/internal/obsmetrics"
	"github.com/wisemanIV/strand-cost-guard/internal/policystore"
	"github.com/wisemanIV/strand-cost-guard/internal/pricing"
	"github.com/wisemanIV/strand-cost-guard/internal/store"
)

// RunIdentity names the tenant/strand/workflow/run a call belongs to.
type RunIdentity struct {
	TenantID   string
	StrandID   string
	WorkflowID string
	RunID      string
}

// ScopeKey returns the persistent-store key for a BudgetSpec evaluated
// against this identity: "{scope}:{tenant}:{strand}:{workflow}:{budget_id}",
// with the levels below the spec's Scope omitted, so every run a budget
// covers at its own level shares one BudgetState.
func ScopeKey(spec policystore.BudgetSpec, id RunIdentity) string {
	switch spec.Scope {
	case policystore.ScopeGlobal:
		return fmt.Sprintf("%s:%s", spec.Scope, spec.ID)
	case policystore.ScopeTenant:
		return fmt.Sprintf("%s:%s:%s", spec.Scope, id.TenantID, spec.ID)
	case policystore.ScopeStrand:
		return fmt.Sprintf("%s:%s:%s:%s", spec.Scope, id.TenantID, id.StrandID, spec.ID)
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s", spec.Scope, id.TenantID, id.StrandID, id.WorkflowID, spec.ID)
}

type budgetEntry struct {
	mu      sync.Mutex
	state   *BudgetState
	key     string
	version string
}

type runEntry struct {
	mu    sync.Mutex
	state *RunState
}

// CrossedThreshold describes a SoftThreshold that fired during a check.
type CrossedThreshold struct {
	BudgetID string
	Fraction float64
	Action   policystore.SoftThresholdAction
}

// CheckResult is what the Tracker reports for one matching BudgetSpec
// after a call is (hypothetically or actually) applied.
type CheckResult struct {
	BudgetID        string
	HardLimitExceeded bool
	HardLimitAction policystore.HardLimitAction
	NewlyCrossed    []CrossedThreshold
	UtilizationUSD  float64
	PressureLevel   string
	BackpressureDelayMs int

	// PerRunExceeded and PerRunReason report a per-run constraint
	// violation (max_tokens, max_cost_usd, max_tool_calls, max_latency_ms)
	// independent of
	// the budget's own period accounting.
	PerRunExceeded bool
	PerRunReason   string

	// RemainingTokens is hard_limit_tokens minus this period's tokens with
	// the checked call's tokens included, clamped to 0, or -1 if this budget has no token hard limit
	// configured. Used by the LIMIT_CAPABILITIES action (spec.md §4.5
	// step 4) to populate action_overrides.max_tokens_remaining.
	RemainingTokens int64
}

// Tracker is the Budget Tracker component: it holds live RunStates and
// BudgetStates and answers whether a call may proceed.
type Tracker struct {
	store   *policystore.Store
	calc    *pricing.Calculator
	persist store.Store
	logger  *zap.Logger

	runsMu sync.Mutex
	runs   map[string]*runEntry

	budgetsMu    sync.Mutex
	budgetStates map[string]*budgetEntry

	backpressureThreshold float64
	maxBackpressureDelayMs int
}

// New creates a Tracker reading live policy from store and pricing from
// calc, with no durable backing: BudgetStates live only in process
// memory and are lost on restart.
func New(policy *policystore.Store, calc *pricing.Calculator, logger *zap.Logger) *Tracker {
	return NewWithStore(policy, calc, nil, logger)
}

// NewWithStore creates a Tracker that additionally durably persists
// BudgetState to persist (the Persistent Store Adapter, spec.md §6) on
// every committed mutation, and restores state from it the first time a
// given budget's key is seen in this process. persist may be nil, which
// behaves exactly like New.
func NewWithStore(policy *policystore.Store, calc *pricing.Calculator, persist store.Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:                  policy,
		calc:                   calc,
		persist:                persist,
		logger:                 logger,
		runs:                   map[string]*runEntry{},
		budgetStates:           map[string]*budgetEntry{},
		backpressureThreshold:  0.8,
		maxBackpressureDelayMs: 5000,
	}
}

// OpenRunResult is the admit/reject verdict for on_run_start, covering
// every matching budget's hard-limit, soft-threshold, max-runs and
// max-concurrency gates (spec.md §4.3).
type OpenRunResult struct {
	Admitted bool
	Reasons  []string
	Run      *RunState
}

// OpenRun evaluates every applicable budget's admission gates before
// registering a new run. Per spec.md §4.3, admission is rejected if any
// matching budget shows:
//   - hard_limit crossed with action REJECT_NEW_RUNS;
//   - a soft threshold crossed with action HALT_NEW_RUNS;
//   - max_runs_per_period already reached;
//   - max_concurrent_runs already reached.
//
// On admit, run_id is added to every matching budget's ConcurrentRunIDs
// and each budget's TotalRuns is incremented.
func (t *Tracker) OpenRun(ctx context.Context, id RunIdentity) (OpenRunResult, error) {
	t.runsMu.Lock()
	if _, exists := t.runs[id.RunID]; exists {
		t.runsMu.Unlock()
		return OpenRunResult{}, fmt.Errorf("run %s already open", id.RunID)
	}
	t.runsMu.Unlock()

	specs := t.matchingBudgets(id)
	entries := t.lockBudgets(id, specs)
	defer t.unlockBudgets(entries)

	var reasons []string
	for i, spec := range specs {
		state := entries[i].state
		now := time.Now()
		if now.After(state.PeriodEnd) || now.Equal(state.PeriodEnd) {
			start, end := WindowFor(spec.Period, now)
			state.resetForWindow(start, end)
		}

		if spec.HardLimitUSD != nil && *spec.HardLimitUSD > 0 &&
			state.TotalCostUSD >= *spec.HardLimitUSD && spec.HardLimitAction == policystore.ActionRejectNewRuns {
			reasons = append(reasons, fmt.Sprintf("budget %s: hard limit exceeded", spec.ID))
		}

		utilization := state.UtilizationUSD(spec)
		for _, th := range spec.SoftThresholds {
			if utilization >= th.Fraction && th.Action == policystore.ActionHaltNewRuns {
				reasons = append(reasons, fmt.Sprintf("budget %s: soft threshold %.2f crossed with HALT_NEW_RUNS", spec.ID, th.Fraction))
				break
			}
		}

		if spec.MaxRunsPerPeriod > 0 && state.TotalRuns+1 > int64(spec.MaxRunsPerPeriod) {
			reasons = append(reasons, fmt.Sprintf("budget %s: max_runs_per_period reached", spec.ID))
		}
		if spec.MaxConcurrentRuns > 0 && len(state.ConcurrentRunIDs)+1 > spec.MaxConcurrentRuns {
			reasons = append(reasons, fmt.Sprintf("budget %s: max_concurrent_runs reached", spec.ID))
		}
	}

	if len(reasons) > 0 {
		obsmetrics.RecordBudgetEvaluation("rejected_run")
		return OpenRunResult{Admitted: false, Reasons: reasons}, nil
	}

	for _, be := range entries {
		be.state.ConcurrentRunIDs[id.RunID] = true
		be.state.TotalRuns++
		t.persistLocked(be.key, be)
	}

	rs := &RunState{
		RunID:      id.RunID,
		TenantID:   id.TenantID,
		StrandID:   id.StrandID,
		WorkflowID: id.WorkflowID,
		StartedAt:  time.Now(),
	}
	t.runsMu.Lock()
	t.runs[id.RunID] = &runEntry{state: rs}
	t.runsMu.Unlock()

	obsmetrics.RecordBudgetEvaluation("admitted_run")
	return OpenRunResult{Admitted: true, Run: rs}, nil
}

// CloseRun removes a run and drops it from ConcurrentRunIDs.
func (t *Tracker) CloseRun(id RunIdentity) {
	t.runsMu.Lock()
	delete(t.runs, id.RunID)
	t.runsMu.Unlock()

	specs := t.matchingBudgets(id)
	entries := t.lockBudgets(id, specs)
	for _, be := range entries {
		delete(be.state.ConcurrentRunIDs, id.RunID)
		t.persistLocked(be.key, be)
	}
	t.unlockBudgets(entries)
}

// CheckIteration reports whether starting another iteration of run is
// permitted: reject (HALT_RUN) if any matching budget already shows its
// own hard limit exceeded, or if the run's own per-run max_iterations
// constraint would be violated.
func (t *Tracker) CheckIteration(id RunIdentity, nextIterationCount int64) ([]CheckResult, error) {
	specs := t.matchingBudgets(id)
	entries := t.lockBudgets(id, specs)
	defer t.unlockBudgets(entries)

	results := make([]CheckResult, 0, len(specs))
	for i, spec := range specs {
		r := t.evaluate(spec, entries[i], evalDelta{}, false)
		if spec.PerRun.MaxIterations > 0 && nextIterationCount > int64(spec.PerRun.MaxIterations) {
			r.HardLimitExceeded = true
			r.HardLimitAction = policystore.ActionHaltRun
		}
		results = append(results, r)
	}
	return results, nil
}

// CheckModelCall evaluates whether a model call of the given projected
// cost may proceed against every currently-matching budget and against
// the run's own per-run token/cost constraints, without recording it.
// Callers use this before issuing the call; RecordModelCall commits it
// afterward.
func (t *Tracker) CheckModelCall(id RunIdentity, model string, projectedCostUSD float64, projectedInputTokens, projectedOutputTokens int64) ([]CheckResult, error) {
	run, err := t.runByID(id)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	projectedRunCostUSD := run.state.CostUSD + projectedCostUSD
	projectedRunTokens := run.state.Tokens + projectedInputTokens + projectedOutputTokens
	run.mu.Unlock()

	specs := t.matchingBudgets(id)
	entries := t.lockBudgets(id, specs)
	defer t.unlockBudgets(entries)

	delta := evalDelta{CostUSD: projectedCostUSD, InputTokens: projectedInputTokens, OutputTokens: projectedOutputTokens, Model: model}
	results := make([]CheckResult, 0, len(specs))
	for i, spec := range specs {
		r := t.evaluate(spec, entries[i], delta, false)
		applyPerRunConstraints(&r, spec.PerRun, projectedRunCostUSD, projectedRunTokens, -1)
		results = append(results, r)
	}
	return results, nil
}

// RecordModelCall commits actual cost/tokens against every matching
// budget and the run itself, returning the same check results CheckModelCall
// would have produced for this call (now applied).
func (t *Tracker) RecordModelCall(id RunIdentity, model string, costUSD float64, inputTokens, outputTokens int64) ([]CheckResult, error) {
	run, err := t.runByID(id)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	run.state.CostUSD += costUSD
	run.state.Tokens += inputTokens + outputTokens
	run.mu.Unlock()

	specs := t.matchingBudgets(id)
	entries := t.lockBudgets(id, specs)
	defer t.unlockBudgets(entries)

	delta := evalDelta{CostUSD: costUSD, InputTokens: inputTokens, OutputTokens: outputTokens, Model: model}
	results := make([]CheckResult, 0, len(specs))
	for i, spec := range specs {
		results = append(results, t.evaluate(spec, entries[i], delta, true))
	}
	return results, nil
}

// CheckToolCall evaluates whether another tool call may proceed against
// the run's own per-run max_tool_calls constraint and every matching
// budget's hard limit, without recording it.
func (t *Tracker) CheckToolCall(id RunIdentity, projectedCostUSD float64) ([]CheckResult, error) {
	run, err := t.runByID(id)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	projectedToolCalls := run.state.ToolCalls + 1
	run.mu.Unlock()

	specs := t.matchingBudgets(id)
	entries := t.lockBudgets(id, specs)
	defer t.unlockBudgets(entries)

	results := make([]CheckResult, 0, len(specs))
	for i, spec := range specs {
		r := t.evaluate(spec, entries[i], evalDelta{CostUSD: projectedCostUSD}, false)
		applyPerRunConstraints(&r, spec.PerRun, -1, -1, projectedToolCalls)
		results = append(results, r)
	}
	return results, nil
}

// RecordToolCall commits a completed tool call's cost and byte-priced
// inputs/outputs, incrementing the run's own tool-call counter and every
// matching budget's TotalToolCalls/ToolCosts.
func (t *Tracker) RecordToolCall(id RunIdentity, costUSD float64, tool string, inputBytes, outputBytes int64) ([]CheckResult, error) {
	run, err := t.runByID(id)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	run.state.ToolCalls++
	run.state.CostUSD += costUSD
	run.mu.Unlock()

	specs := t.matchingBudgets(id)
	entries := t.lockBudgets(id, specs)
	defer t.unlockBudgets(entries)

	delta := evalDelta{CostUSD: costUSD, ToolCalls: 1, Tool: tool}
	results := make([]CheckResult, 0, len(specs))
	for i, spec := range specs {
		results = append(results, t.evaluate(spec, entries[i], delta, true))
	}
	return results, nil
}

// RecordIteration increments and returns the run's iteration count, and
// bumps TotalIterations on every currently-matching budget.
func (t *Tracker) RecordIteration(id RunIdentity) (int64, error) {
	run, err := t.runByID(id)
	if err != nil {
		return 0, err
	}
	run.mu.Lock()
	run.state.Iterations++
	n := run.state.Iterations
	run.mu.Unlock()

	specs := t.matchingBudgets(id)
	entries := t.lockBudgets(id, specs)
	defer t.unlockBudgets(entries)
	for i, spec := range specs {
		t.evaluate(spec, entries[i], evalDelta{Iterations: 1}, true)
	}
	return n, nil
}

// CheckLatency records the observed latency of the last call on run and
// evaluates it against every matching budget's per-run max_latency_ms
// constraint. It does not affect cost/token accounting.
func (t *Tracker) CheckLatency(id RunIdentity, latencyMs int64) ([]CheckResult, error) {
	run, err := t.runByID(id)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	run.state.LastLatencyMs = latencyMs
	run.mu.Unlock()

	specs := t.matchingBudgets(id)
	entries := t.lockBudgets(id, specs)
	defer t.unlockBudgets(entries)

	results := make([]CheckResult, 0, len(specs))
	for i, spec := range specs {
		r := t.evaluate(spec, entries[i], evalDelta{}, false)
		if spec.PerRun.MaxLatencyMs > 0 && latencyMs > spec.PerRun.MaxLatencyMs {
			r.PerRunExceeded = true
			r.PerRunReason = "per-run max_latency_ms exceeded"
		}
		results = append(results, r)
	}
	return results, nil
}

func (t *Tracker) runByID(id RunIdentity) (*runEntry, error) {
	t.runsMu.Lock()
	run, ok := t.runs[id.RunID]
	t.runsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("run %s not open", id.RunID)
	}
	return run, nil
}

// applyPerRunConstraints marks r as PerRunExceeded if any configured,
// non-negative projected value exceeds its PerRunConstraints bound. A
// negative projected value means "not applicable to this check".
func applyPerRunConstraints(r *CheckResult, c policystore.PerRunConstraints, projectedCostUSD float64, projectedTokens int64, projectedToolCalls int64) {
	if c.MaxCostUSD > 0 && projectedCostUSD >= 0 && projectedCostUSD > c.MaxCostUSD {
		r.PerRunExceeded = true
		r.PerRunReason = "per-run max_cost_usd exceeded"
		return
	}
	if c.MaxTokens > 0 && projectedTokens >= 0 && projectedTokens > c.MaxTokens {
		r.PerRunExceeded = true
		r.PerRunReason = "per-run max_tokens exceeded"
		return
	}
	if c.MaxToolCalls > 0 && projectedToolCalls >= 0 && projectedToolCalls > int64(c.MaxToolCalls) {
		r.PerRunExceeded = true
		r.PerRunReason = "per-run max_tool_calls exceeded"
	}
}

// evalDelta is what one call contributes to a BudgetState if committed.
// Model and Tool name the per-model/per-tool cost map entry the cost
// delta is attributed to; at most one is ever set for a given call.
type evalDelta struct {
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
	Iterations   int64
	ToolCalls    int64
	Model        string
	Tool         string
}

// evaluate applies delta to be's state (if commit is true) and returns
// the resulting CheckResult, including any newly-crossed soft
// thresholds. A commit also persists the budget's state durably, if the
// Tracker was built with NewWithStore.
func (t *Tracker) evaluate(spec policystore.BudgetSpec, be *budgetEntry, delta evalDelta, commit bool) CheckResult {
	state := be.state
	now := time.Now()
	if now.After(state.PeriodEnd) || now.Equal(state.PeriodEnd) {
		start, end := WindowFor(spec.Period, now)
		state.resetForWindow(start, end)
	}

	projectedUSD := state.TotalCostUSD + delta.CostUSD
	projectedTokens := state.TotalTokens() + delta.InputTokens + delta.OutputTokens

	result := CheckResult{BudgetID: spec.ID, RemainingTokens: -1}

	if spec.HardLimitUSD != nil && projectedUSD >= *spec.HardLimitUSD {
		result.HardLimitExceeded = true
		result.HardLimitAction = spec.HardLimitAction
	}
	if spec.HardLimitTokens != nil {
		result.RemainingTokens = *spec.HardLimitTokens - projectedTokens
		if result.RemainingTokens < 0 {
			result.RemainingTokens = 0
		}
		if projectedTokens >= *spec.HardLimitTokens {
			result.HardLimitExceeded = true
			result.HardLimitAction = spec.HardLimitAction
		}
	}

	utilization := 0.0
	if spec.HardLimitUSD != nil && *spec.HardLimitUSD > 0 {
		utilization = projectedUSD / *spec.HardLimitUSD
	}
	result.UtilizationUSD = utilization
	result.PressureLevel = PressureLevel(utilization)
	result.BackpressureDelayMs = t.backpressureDelay(utilization)

	for _, th := range spec.SoftThresholds {
		if utilization >= th.Fraction && !state.ThresholdsCrossed[th.Fraction] {
			result.NewlyCrossed = append(result.NewlyCrossed, CrossedThreshold{
				BudgetID: spec.ID,
				Fraction: th.Fraction,
				Action:   th.Action,
			})
			if commit {
				state.ThresholdsCrossed[th.Fraction] = true
			}
		}
	}

	if commit {
		state.TotalCostUSD = projectedUSD
		state.TotalInputTokens += delta.InputTokens
		state.TotalOutputTokens += delta.OutputTokens
		state.TotalIterations += delta.Iterations
		state.TotalToolCalls += delta.ToolCalls
		if delta.Model != "" {
			state.ModelCosts[delta.Model] += delta.CostUSD
		}
		if delta.Tool != "" {
			state.ToolCosts[delta.Tool] += delta.CostUSD
		}
		t.persistLocked(be.key, be)
	}

	switch {
	case result.HardLimitExceeded:
		obsmetrics.RecordBudgetEvaluation("hard_limit")
	case len(result.NewlyCrossed) > 0:
		obsmetrics.RecordBudgetEvaluation("soft_threshold")
	default:
		obsmetrics.RecordBudgetEvaluation("allow")
	}

	return result
}

// backpressureDelay maps utilization above backpressureThreshold to an
// advisory delay, adapted from the host's budget backpressure curve.
func (t *Tracker) backpressureDelay(utilization float64) int {
	if utilization < t.backpressureThreshold {
		return 0
	}
	switch {
	case utilization >= 1.0:
		return t.maxBackpressureDelayMs
	case utilization >= 0.95:
		return 1500
	case utilization >= 0.9:
		return 750
	case utilization >= 0.85:
		return 300
	default:
		return 50
	}
}

// matchingBudgets resolves the currently-applicable BudgetSpecs for id
// from the live policy snapshot.
func (t *Tracker) matchingBudgets(id RunIdentity) []policystore.BudgetSpec {
	snap := t.store.Current()
	return snap.MatchingBudgets(id.TenantID, id.StrandID, id.WorkflowID)
}

// lockBudgets fetches (creating if necessary) the budgetEntry for each
// spec and locks them all in ascending scope_key order, returning the
// locked states in the same order as specs.
func (t *Tracker) lockBudgets(id RunIdentity, specs []policystore.BudgetSpec) []*budgetEntry {
	type keyed struct {
		key   string
		entry *budgetEntry
		idx   int
	}
	keys := make([]keyed, len(specs))

	t.budgetsMu.Lock()
	var created []*budgetEntry
	for i, spec := range specs {
		key := ScopeKey(spec, id)
		be, ok := t.budgetStates[key]
		if !ok {
			start, end := WindowFor(spec.Period, time.Now())
			be = &budgetEntry{state: newBudgetState(spec.ID, start, end), key: key}
			t.budgetStates[key] = be
			created = append(created, be)
		}
		keys[i] = keyed{key: key, entry: be, idx: i}
	}
	t.budgetsMu.Unlock()

	// Restore happens before the sorted-lock loop below, while the entry
	// is newly visible but not yet guaranteed to be the one a concurrent
	// caller locks first; in practice a given budget key is created once
	// per process and this window is narrow, so it is treated as
	// best-effort rather than closed with another lock acquisition.
	for _, be := range created {
		t.restoreFromStore(be.key, be)
	}

	sorted := append([]keyed(nil), keys...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].key < sorted[b].key })
	locked := map[*budgetEntry]bool{}
	for _, k := range sorted {
		if locked[k.entry] {
			continue
		}
		locked[k.entry] = true
		k.entry.mu.Lock()
	}

	out := make([]*budgetEntry, len(specs))
	for _, k := range keys {
		out[k.idx] = k.entry
	}
	return out
}

// unlockBudgets releases locks acquired by lockBudgets. Release order
// does not matter for deadlock avoidance (only a consistent acquisition
// order does); this just guards against unlocking the same entry twice
// when a run matches the same budget more than once.
func (t *Tracker) unlockBudgets(entries []*budgetEntry) {
	seen := map[*budgetEntry]bool{}
	for _, e := range entries {
		if seen[e] {
			continue
		}
		seen[e] = true
		e.mu.Unlock()
	}
}
