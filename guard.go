// Package guard is the root of strand-cost-guard: a cost-governance
// sidecar library embedded in multi-agent orchestration runtimes. Guard
// is the Decision Pipeline of spec.md §4.5 — it composes the Policy
// Store, Pricing Calculator, Budget Tracker, Routing Evaluator, the
// optional custom rule overlay, and the Metrics Emitter into the eight
// lifecycle hooks a host calls around every agent run.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wisemanIV/strand-cost-guard/internal/budget"
	"github.com/wisemanIV/strand-cost-guard/internal/config"
	"github.com/wisemanIV/strand-cost-guard/internal/logging"
	"github.com/wisemanIV/strand-cost-guard/internal/metricsemit"
	"github.com/wisemanIV/strand-cost-guard/internal/obsmetrics"
	"github.com/wisemanIV/strand-cost-guard/internal/pricing"
	"github.com/wisemanIV/strand-cost-guard/internal/rules"
	"github.com/wisemanIV/strand-cost-guard/internal/routing"
)

// Guard is the explicitly-constructed, new→use→shutdown object
// spec.md §9 calls for: no process-wide state, one-way ownership of
// its three core dependencies (Policy Store, Budget Tracker, Routing
// Evaluator), each of which the caller constructs and hands in via
// Option so Guard never has to reach back into them cyclically.
type Guard struct {
	cfg guardConfig

	runsMu sync.Mutex
	runs   map[string]*RunContext

	degradation routing.DegradationLevel
	degMu       sync.Mutex
}

// NewGuard constructs a Guard from the supplied Options. A Policy
// Store, Pricing Calculator, and Budget Tracker are required; every
// other dependency has a safe default.
func NewGuard(opts ...Option) (*Guard, error) {
	cfg := guardConfig{
		mode:        ModeEnforce,
		failureMode: config.FailOpen,
		rulesMode:   rules.ModeOff,
		runIDGen:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.policy == nil || cfg.calc == nil || cfg.tracker == nil {
		return nil, newError(KindConfigInvalid, "NewGuard",
			fmt.Errorf("policy store, pricing calculator, and budget tracker are all required"))
	}
	if cfg.routingEval == nil {
		cfg.routingEval = routing.New()
	}
	if cfg.emitter == nil {
		cfg.emitter = metricsemit.NewRecording()
	}
	if cfg.logger == nil {
		cfg.logger = logging.NewNop()
	}
	return &Guard{cfg: cfg, runs: map[string]*RunContext{}}, nil
}

// Shutdown releases no resources of its own today — the Guard's
// dependencies (Policy Store's reload loop, Persistent Store Adapter
// connections) are owned and torn down by whoever constructed them —
// but is part of the documented new→use→shutdown lifecycle so a future
// owned background task (e.g. a store-recovery goroutine) has a place
// to stop from.
func (g *Guard) Shutdown(ctx context.Context) error {
	return nil
}

// SetDegradation feeds the supplemented SystemDegradation signal
// (SPEC_FULL.md §3 item 5) into routing decisions, typically derived by
// the host from its own circuit breakers.
func (g *Guard) SetDegradation(level routing.DegradationLevel) {
	g.degMu.Lock()
	g.degradation = level
	g.degMu.Unlock()
}

func (g *Guard) currentDegradation() routing.DegradationLevel {
	g.degMu.Lock()
	defer g.degMu.Unlock()
	return g.degradation
}

// BudgetSnapshots returns the pressure classification of every budget
// currently applicable to (tenantID, strandID, workflowID), the
// supplemented query from SPEC_FULL.md §3 item 4.
func (g *Guard) BudgetSnapshots(tenantID, strandID, workflowID string) []BudgetSnapshot {
	snap := g.cfg.policy.Current()
	specs := snap.MatchingBudgets(tenantID, strandID, workflowID)
	out := make([]BudgetSnapshot, 0, len(specs))
	id := budget.RunIdentity{TenantID: tenantID, StrandID: strandID, WorkflowID: workflowID}
	results, err := g.cfg.tracker.CheckIteration(id, 0)
	if err != nil {
		return out
	}
	for i, spec := range specs {
		if i >= len(results) {
			break
		}
		out = append(out, BudgetSnapshot{
			BudgetID:       spec.ID,
			UtilizationUSD: results[i].UtilizationUSD,
			PressureLevel:  results[i].PressureLevel,
		})
	}
	return out
}

func (g *Guard) attrs(rc *RunContext) metricsemit.Attrs {
	return metricsemit.Attrs{
		TenantID:   rc.TenantID,
		StrandID:   rc.StrandID,
		WorkflowID: rc.WorkflowID,
		Metadata:   rc.Metadata,
	}
}

func (g *Guard) identity(rc *RunContext) budget.RunIdentity {
	return budget.RunIdentity{
		TenantID:   rc.TenantID,
		StrandID:   rc.StrandID,
		WorkflowID: rc.WorkflowID,
		RunID:      rc.RunID,
	}
}

// finalize applies dry-run mode and records hook latency/outcome, the
// single exit path every hook below returns through.
func (g *Guard) finalize(hook string, start time.Time, d Decision) Decision {
	obsmetrics.GuardHookLatency.WithLabelValues(hook).Observe(time.Since(start).Seconds())
	if g.cfg.mode == ModeDryRun && !d.Allowed {
		d.Warnings = append(d.Warnings, fmt.Sprintf("dry-run: would have been %s: %s", d.Action, d.Reason))
		d.Allowed = true
		d.Action = ActionAllow
		d.Reason = ""
	}
	return d
}

// degradedDecision applies the configured FailureMode to an internal
// (non-budget, non-constraint) error: fail_open allows with a warning,
// fail_closed rejects, per spec.md §7's InternalInvariant handling.
func (g *Guard) degradedDecision(reason string) Decision {
	if g.cfg.failureMode == config.FailClosed {
		return Decision{Allowed: false, Action: ActionReject, Reason: reason}
	}
	return Decision{Allowed: true, Action: ActionAllow, Warnings: []string{"fail-open: " + reason}}
}

func (g *Guard) lookupRun(runID string) (*RunContext, bool) {
	g.runsMu.Lock()
	defer g.runsMu.Unlock()
	rc, ok := g.runs[runID]
	return rc, ok
}

// OnRunStart is the admission hook. If runID is empty, one is
// synthesized via the configured generator (uuid.New().String() by
// default).
func (g *Guard) OnRunStart(ctx context.Context, tenantID, strandID, workflowID, runID string, metadata map[string]string) (*RunContext, Decision) {
	start := time.Now()
	if runID == "" {
		runID = g.cfg.runIDGen()
	}
	rc := &RunContext{
		TenantID:   tenantID,
		StrandID:   strandID,
		WorkflowID: workflowID,
		RunID:      runID,
		StartedAt:  time.Now(),
		Metadata:   metadata,
	}

	res, err := g.cfg.tracker.OpenRun(ctx, g.identity(rc))
	if err != nil {
		g.cfg.logger.Warn("on_run_start internal error", zap.String("run_id", runID), zap.Error(err))
		return rc, g.finalize("on_run_start", start, g.degradedDecision(err.Error()))
	}
	if !res.Admitted {
		reason := "rejected"
		if len(res.Reasons) > 0 {
			reason = res.Reasons[0]
		}
		g.cfg.emitter.RejectionEvent(ctx, reason, g.attrs(rc))
		d := Decision{Allowed: false, Action: ActionReject, Reason: reason, Warnings: res.Reasons}
		return rc, g.finalize("on_run_start", start, d)
	}

	g.runsMu.Lock()
	g.runs[runID] = rc
	g.runsMu.Unlock()

	g.cfg.emitter.AgentRun(ctx, g.attrs(rc))
	return rc, g.finalize("on_run_start", start, allowDecision())
}

// OnRunEnd closes out a run. Calling it twice, or for a run already
// evicted, is a no-op: status has already left `running`, and per
// spec.md §3 a late after_* call becomes a warning, not an error.
func (g *Guard) OnRunEnd(ctx context.Context, rc *RunContext, status RunStatus) Decision {
	start := time.Now()
	g.runsMu.Lock()
	_, ok := g.runs[rc.RunID]
	delete(g.runs, rc.RunID)
	g.runsMu.Unlock()

	if !ok {
		g.cfg.logger.Warn("on_run_end for unknown or already-closed run", zap.String("run_id", rc.RunID))
		return g.finalize("on_run_end", start, allowDecision())
	}

	g.cfg.tracker.CloseRun(g.identity(rc))
	g.cfg.emitter.AgentRun(ctx, g.attrs(rc))
	return g.finalize("on_run_end", start, allowDecision())
}

// OnIterationStart evaluates whether another iteration may begin.
func (g *Guard) OnIterationStart(ctx context.Context, rc *RunContext, iterationIdx int64) Decision {
	start := time.Now()
	if _, ok := g.lookupRun(rc.RunID); !ok {
		g.cfg.logger.Warn("on_iteration_start for unknown run", zap.String("run_id", rc.RunID))
		return g.finalize("on_iteration_start", start, g.degradedDecision("unknown run"))
	}

	results, err := g.cfg.tracker.CheckIteration(g.identity(rc), iterationIdx)
	if err != nil {
		return g.finalize("on_iteration_start", start, g.degradedDecision(err.Error()))
	}
	d := decideFromChecks(results)
	if !d.Allowed {
		g.emitBlock(ctx, rc, d)
	}
	return g.finalize("on_iteration_start", start, d)
}

// OnIterationEnd records a completed iteration.
func (g *Guard) OnIterationEnd(ctx context.Context, rc *RunContext, iterationIdx int64) Decision {
	start := time.Now()
	if _, ok := g.lookupRun(rc.RunID); !ok {
		g.cfg.logger.Warn("on_iteration_end for unknown run", zap.String("run_id", rc.RunID))
		return g.finalize("on_iteration_end", start, allowDecision())
	}
	if _, err := g.cfg.tracker.RecordIteration(g.identity(rc)); err != nil {
		return g.finalize("on_iteration_end", start, g.degradedDecision(err.Error()))
	}
	g.cfg.emitter.AgentIteration(ctx, g.attrs(rc))
	return g.finalize("on_iteration_end", start, allowDecision())
}

// BeforeModelCall evaluates a prospective model call: per-run token/
// cost constraints, every matching budget's hard limit, the optional
// rule overlay, and the Routing Evaluator's downgrade triggers for the
// call's stage.
func (g *Guard) BeforeModelCall(ctx context.Context, rc *RunContext, model, stage string, usage pricing.TokenUsage, iterationCount int64) Decision {
	start := time.Now()
	if _, ok := g.lookupRun(rc.RunID); !ok {
		g.cfg.logger.Warn("before_model_call for unknown run", zap.String("run_id", rc.RunID))
		return g.finalize("before_model_call", start, g.degradedDecision("unknown run"))
	}

	projectedCost, _, _ := g.cfg.calc.CalculateModelCost(model, usage)
	projectedOutputTokens := usage.CompletionTokens + usage.ReasoningTokens

	results, err := g.cfg.tracker.CheckModelCall(g.identity(rc), model, projectedCost, usage.PromptTokens, projectedOutputTokens)
	if err != nil {
		return g.finalize("before_model_call", start, g.degradedDecision(err.Error()))
	}

	if v, blocked := g.consultRules(ctx, rc, "model_call", model, ""); blocked {
		return g.finalize("before_model_call", start, v)
	}

	d := decideFromChecks(results)
	if !d.Allowed {
		g.emitBlock(ctx, rc, d)
		return g.finalize("before_model_call", start, d)
	}

	d.EffectiveModel = model
	softExceeded := false
	for _, r := range results {
		if len(r.NewlyCrossed) > 0 {
			softExceeded = true
			break
		}
	}

	snap := g.cfg.policy.Current()
	if policy, ok := snap.SelectRoutingPolicy(rc.TenantID, rc.StrandID, rc.WorkflowID); ok {
		sig := routing.Signals{
			SoftThresholdExceeded:   softExceeded,
			RemainingBudgetFraction: 1 - d.UtilizationUSD,
			IterationCount:          int(iterationCount),
			AvgLatencyMs:            g.currentAvgLatency(),
			Degradation:             g.currentDegradation(),
		}
		rdec := g.cfg.routingEval.Evaluate(policy, stage, sig)
		d.MaxTokens = rdec.MaxTokens
		if rdec.Downgrade {
			d.EffectiveModel = rdec.EffectiveModel
			d.WasDowngraded = true
			d.Warnings = append(d.Warnings, fmt.Sprintf("downgraded via stage %s: %s", rdec.Stage, rdec.Reason))
			g.cfg.emitter.DowngradeEvent(ctx, rdec.Reason, g.attrs(rc))
		}
	}

	return g.finalize("before_model_call", start, d)
}

// AfterModelCall commits the actual cost/tokens of a completed model
// call and feeds its latency into the per-run max_latency_ms check and
// the optional LatencySampler.
func (g *Guard) AfterModelCall(ctx context.Context, rc *RunContext, model string, usage pricing.TokenUsage, latency time.Duration) Decision {
	start := time.Now()
	if _, ok := g.lookupRun(rc.RunID); !ok {
		g.cfg.logger.Warn("after_model_call for unknown run", zap.String("run_id", rc.RunID))
		return g.finalize("after_model_call", start, allowDecision())
	}

	cost, _, _ := g.cfg.calc.CalculateModelCost(model, usage)
	outputTokens := usage.CompletionTokens + usage.ReasoningTokens
	results, err := g.cfg.tracker.RecordModelCall(g.identity(rc), model, cost, usage.PromptTokens, outputTokens)
	if err != nil {
		return g.finalize("after_model_call", start, g.degradedDecision(err.Error()))
	}

	if g.cfg.latency != nil {
		g.cfg.latency.Observe(latency)
	}
	latencyResults, err := g.cfg.tracker.CheckLatency(g.identity(rc), latency.Milliseconds())
	if err == nil {
		results = mergeLatencyResults(results, latencyResults)
	}

	attrs := g.attrs(rc)
	g.cfg.emitter.CostTotal(ctx, cost, attrs)
	g.cfg.emitter.CostModel(ctx, cost, model, attrs)
	g.cfg.emitter.TokensInput(ctx, usage.PromptTokens, model, attrs)
	g.cfg.emitter.TokensOutput(ctx, usage.CompletionTokens, model, attrs)

	d := decideFromChecks(results)
	if !d.Allowed {
		g.emitBlock(ctx, rc, d)
	}
	return g.finalize("after_model_call", start, d)
}

// currentAvgLatency reads the configured LatencySampler, or 0 if none
// was supplied (the latency_above_ms trigger then simply never fires).
func (g *Guard) currentAvgLatency() int64 {
	if g.cfg.latency == nil {
		return 0
	}
	return g.cfg.latency.Current()
}

// mergeLatencyResults folds a CheckLatency pass's PerRunExceeded flags
// into the results already produced for the same call, so a single
// decideFromChecks call sees both kinds of per-run violation.
func mergeLatencyResults(base, latency []budget.CheckResult) []budget.CheckResult {
	byID := make(map[string]int, len(base))
	for i, r := range base {
		byID[r.BudgetID] = i
	}
	for _, lr := range latency {
		if !lr.PerRunExceeded {
			continue
		}
		if i, ok := byID[lr.BudgetID]; ok {
			base[i].PerRunExceeded = true
			base[i].PerRunReason = lr.PerRunReason
		}
	}
	return base
}

// BeforeToolCall evaluates a prospective tool call against the run's
// per-run max_tool_calls constraint, every matching budget's hard
// limit, and the optional rule overlay. inputBytes is the size of the
// arguments about to be sent to the tool; outputBytes is not yet known
// at this point and is treated as zero.
func (g *Guard) BeforeToolCall(ctx context.Context, rc *RunContext, tool string, inputBytes int64) Decision {
	start := time.Now()
	if _, ok := g.lookupRun(rc.RunID); !ok {
		g.cfg.logger.Warn("before_tool_call for unknown run", zap.String("run_id", rc.RunID))
		return g.finalize("before_tool_call", start, g.degradedDecision("unknown run"))
	}

	projectedCost := g.cfg.calc.CalculateToolCost(tool, inputBytes, 0)
	results, err := g.cfg.tracker.CheckToolCall(g.identity(rc), projectedCost)
	if err != nil {
		return g.finalize("before_tool_call", start, g.degradedDecision(err.Error()))
	}

	if v, blocked := g.consultRules(ctx, rc, "tool_call", "", tool); blocked {
		return g.finalize("before_tool_call", start, v)
	}

	d := decideFromChecks(results)
	if !d.Allowed {
		g.emitBlock(ctx, rc, d)
	}
	return g.finalize("before_tool_call", start, d)
}

// AfterToolCall commits a completed tool call's cost, priced from the
// actual input/output byte counts.
func (g *Guard) AfterToolCall(ctx context.Context, rc *RunContext, tool string, inputBytes, outputBytes int64) Decision {
	start := time.Now()
	if _, ok := g.lookupRun(rc.RunID); !ok {
		g.cfg.logger.Warn("after_tool_call for unknown run", zap.String("run_id", rc.RunID))
		return g.finalize("after_tool_call", start, allowDecision())
	}

	cost := g.cfg.calc.CalculateToolCost(tool, inputBytes, outputBytes)
	results, err := g.cfg.tracker.RecordToolCall(g.identity(rc), cost, tool, inputBytes, outputBytes)
	if err != nil {
		return g.finalize("after_tool_call", start, g.degradedDecision(err.Error()))
	}

	attrs := g.attrs(rc)
	g.cfg.emitter.CostTotal(ctx, cost, attrs)
	g.cfg.emitter.AgentToolCall(ctx, tool, attrs)

	d := decideFromChecks(results)
	if !d.Allowed {
		g.emitBlock(ctx, rc, d)
	}
	return g.finalize("after_tool_call", start, d)
}

// consultRules evaluates the optional rule overlay for one operation.
// A Deny verdict is only actually enforced (returned as blocked=true)
// when the overlay's configured Mode is ModeEnforce; in any other mode the
// verdict is logged as a warning and the call proceeds. The returned
// Decision carries no trace of a non-enforced Deny.
func (g *Guard) consultRules(ctx context.Context, rc *RunContext, operation, model, tool string) (Decision, bool) {
	if g.cfg.rulesEngine == nil || g.cfg.rulesMode == rules.ModeOff {
		return Decision{}, false
	}
	v, err := g.cfg.rulesEngine.Evaluate(ctx, rules.Input{
		TenantID:   rc.TenantID,
		StrandID:   rc.StrandID,
		WorkflowID: rc.WorkflowID,
		Operation:  operation,
		Model:      model,
		ToolName:   tool,
		Metadata:   rc.Metadata,
	})
	if err != nil {
		g.cfg.logger.Warn("rule overlay evaluation failed", zap.Error(err))
		return g.degradedDecision(err.Error()), g.cfg.failureMode == config.FailClosed
	}
	if !v.Deny {
		return Decision{}, false
	}
	if g.cfg.rulesMode != rules.ModeEnforce {
		g.cfg.logger.Warn("rule overlay deny not enforced",
			zap.String("operation", operation), zap.String("reason", v.Reason))
		return Decision{}, false
	}
	return Decision{Allowed: false, Action: ActionReject, Reason: v.Reason}, true
}

func (g *Guard) emitBlock(ctx context.Context, rc *RunContext, d Decision) {
	attrs := g.attrs(rc)
	switch d.Action {
	case ActionHalt:
		g.cfg.emitter.HaltEvent(ctx, d.Reason, attrs)
	case ActionReject:
		g.cfg.emitter.RejectionEvent(ctx, d.Reason, attrs)
	}
}
