// Package routing implements the Routing Evaluator: given a RoutingPolicy,
// the call's stage name, and the current state of a run, it decides which
// model the call should use. spec.md §4.4 fixes the algorithm:
//
//  1. If no StageConfig in the policy matches the call's stage, return
//     the policy's default_model with no downgrade and no max_tokens.
//  2. Otherwise evaluate the stage's DowngradeTrigger clauses in this
//     fixed order: soft_threshold_exceeded, remaining_budget_below,
//     iteration_count_above, latency_above_ms. If any configured clause
//     fires and a fallback model is set, downgrade to it.
//  3. Otherwise return the stage's default_model and max_tokens.
//
// An optional, independent SystemDegradation signal is consulted after
// those four triggers; it can force the same downgrade a firing trigger
// would, but never reorders or suppresses them (SPEC_FULL.md §3 item 5).
package routing

import (
	"github.com/wisemanIV/strand-cost-guard/internal/obsmetrics"
	"github.com/wisemanIV/strand-cost-guard/internal/policystore"
)

// DegradationLevel mirrors the host's dependency-health classification,
// fed in by the caller from its own circuit breakers.
type DegradationLevel int

const (
	DegradationNone DegradationLevel = iota
	DegradationMinor
	DegradationModerate
	DegradationSevere
)

// Signals is the run state the Evaluator checks triggers against.
type Signals struct {
	SoftThresholdExceeded   bool
	RemainingBudgetFraction float64 // remaining / hard_limit, 1.0 = untouched
	IterationCount          int
	AvgLatencyMs            int64
	Degradation             DegradationLevel
}

// Decision is the Evaluator's verdict for one call.
type Decision struct {
	Downgrade      bool
	EffectiveModel string
	MaxTokens      int64
	Stage          string
	Reason         string
}

// Evaluator holds no state of its own; it is a pure function over a
// RoutingPolicy, a stage name, and Signals, kept as a struct for symmetry
// with the other components and to leave room for future caching.
type Evaluator struct{}

// New creates an Evaluator.
func New() *Evaluator {
	return &Evaluator{}
}

// Evaluate looks up the StageConfig named stage within policy and applies
// the three-step algorithm above.
func (e *Evaluator) Evaluate(policy policystore.RoutingPolicy, stage string, sig Signals) Decision {
	cfg, ok := findStage(policy, stage)
	if !ok {
		obsmetrics.RecordRoutingDecision("no_matching_stage")
		return Decision{EffectiveModel: policy.DefaultModel, Stage: stage}
	}

	fallback := cfg.FallbackModel
	if fallback == "" {
		fallback = policy.DefaultFallbackModel
	}

	if reason, fired := stageFires(cfg.Trigger, sig); fired && fallback != "" {
		obsmetrics.RecordRoutingDecision(reason)
		return Decision{
			Downgrade:      true,
			EffectiveModel: fallback,
			MaxTokens:      cfg.MaxTokens,
			Stage:          cfg.Name,
			Reason:         reason,
		}
	}

	if sig.Degradation != DegradationNone && fallback != "" {
		obsmetrics.RecordRoutingDecision("system_degradation")
		return Decision{
			Downgrade:      true,
			EffectiveModel: fallback,
			MaxTokens:      cfg.MaxTokens,
			Stage:          cfg.Name,
			Reason:         "system_degradation",
		}
	}

	obsmetrics.RecordRoutingDecision("none")
	return Decision{EffectiveModel: cfg.DefaultModel, MaxTokens: cfg.MaxTokens, Stage: cfg.Name}
}

func findStage(policy policystore.RoutingPolicy, name string) (policystore.StageConfig, bool) {
	for _, s := range policy.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return policystore.StageConfig{}, false
}

// stageFires checks one stage's Trigger clauses in the fixed spec order,
// returning the first one that fires.
func stageFires(t policystore.DowngradeTrigger, sig Signals) (string, bool) {
	if t.SoftThresholdExceeded && sig.SoftThresholdExceeded {
		return "soft_threshold_exceeded", true
	}
	if t.RemainingBudgetBelow != nil && sig.RemainingBudgetFraction < *t.RemainingBudgetBelow {
		return "remaining_budget_below", true
	}
	if t.IterationCountAbove != nil && sig.IterationCount > *t.IterationCountAbove {
		return "iteration_count_above", true
	}
	if t.LatencyAboveMs != nil && sig.AvgLatencyMs > *t.LatencyAboveMs {
		return "latency_above_ms", true
	}
	return "", false
}
