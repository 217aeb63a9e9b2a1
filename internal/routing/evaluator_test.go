package routing

import (
	"testing"

	"github.com/wisemanIV/strand-cost-guard/internal/policystore"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func testPolicy() policystore.RoutingPolicy {
	return policystore.RoutingPolicy{
		ID:           "acme-ladder",
		DefaultModel: "gpt-4o",
		Stages: []policystore.StageConfig{
			{
				Name:          "synthesis",
				DefaultModel:  "gpt-4o",
				FallbackModel: "gpt-4o-mini",
				MaxTokens:     4096,
				Trigger: policystore.DowngradeTrigger{
					RemainingBudgetBelow: floatPtr(0.2),
					IterationCountAbove:  intPtr(10),
				},
			},
		},
	}
}

func TestEvaluateNoMatchingStageReturnsPolicyDefault(t *testing.T) {
	e := New()
	d := e.Evaluate(testPolicy(), "planning", Signals{RemainingBudgetFraction: 0.9})
	if d.Downgrade {
		t.Fatalf("expected no downgrade for unmatched stage, got %+v", d)
	}
	if d.EffectiveModel != "gpt-4o" {
		t.Fatalf("expected policy default_model, got %q", d.EffectiveModel)
	}
}

func TestEvaluateNoTriggersFired(t *testing.T) {
	e := New()
	d := e.Evaluate(testPolicy(), "synthesis", Signals{RemainingBudgetFraction: 0.9, IterationCount: 1})
	if d.Downgrade {
		t.Fatalf("expected no downgrade, got %+v", d)
	}
	if d.EffectiveModel != "gpt-4o" || d.MaxTokens != 4096 {
		t.Fatalf("expected stage default_model/max_tokens, got %+v", d)
	}
}

func TestEvaluateRemainingBudgetTriggersDowngrade(t *testing.T) {
	e := New()
	d := e.Evaluate(testPolicy(), "synthesis", Signals{RemainingBudgetFraction: 0.1, IterationCount: 1})
	if !d.Downgrade || d.Reason != "remaining_budget_below" {
		t.Fatalf("expected remaining_budget_below to fire, got %+v", d)
	}
	if d.EffectiveModel != "gpt-4o-mini" {
		t.Fatalf("expected fallback model, got %q", d.EffectiveModel)
	}
}

func TestEvaluateSoftThresholdTakesPrecedenceOverLaterTriggers(t *testing.T) {
	policy := policystore.RoutingPolicy{
		Stages: []policystore.StageConfig{
			{
				Name:          "s1",
				FallbackModel: "cheap",
				Trigger: policystore.DowngradeTrigger{
					SoftThresholdExceeded: true,
					LatencyAboveMs:        int64Ptr(100),
				},
			},
		},
	}
	e := New()
	d := e.Evaluate(policy, "s1", Signals{SoftThresholdExceeded: true, AvgLatencyMs: 500})
	if d.Reason != "soft_threshold_exceeded" {
		t.Fatalf("expected soft_threshold_exceeded to win, got %q", d.Reason)
	}
}

func TestEvaluateDegradationForcesDowngradeWhenNoTriggerFires(t *testing.T) {
	e := New()
	d := e.Evaluate(testPolicy(), "synthesis", Signals{RemainingBudgetFraction: 0.9, IterationCount: 1, Degradation: DegradationSevere})
	if !d.Downgrade || d.Reason != "system_degradation" {
		t.Fatalf("expected degradation-forced downgrade, got %+v", d)
	}
}

func TestEvaluateNoFallbackConfiguredNeverDowngrades(t *testing.T) {
	policy := policystore.RoutingPolicy{
		Stages: []policystore.StageConfig{
			{
				Name:         "s1",
				DefaultModel: "gpt-4o",
				Trigger:      policystore.DowngradeTrigger{SoftThresholdExceeded: true},
			},
		},
	}
	e := New()
	d := e.Evaluate(policy, "s1", Signals{SoftThresholdExceeded: true})
	if d.Downgrade {
		t.Fatalf("expected no downgrade without a configured fallback, got %+v", d)
	}
}

func int64Ptr(i int64) *int64 { return &i }
