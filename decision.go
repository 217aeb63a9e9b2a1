package guard

import (
	"fmt"

	"github.com/wisemanIV/strand-cost-guard/internal/budget"
	"github.com/wisemanIV/strand-cost-guard/internal/policystore"
)

// Action is the verb the runtime is required to honor for a Decision.
type Action string

const (
	ActionAllow  Action = "ALLOW"
	ActionReject Action = "REJECT"
	ActionHalt   Action = "HALT"
)

// ActionOverrides carries the soft-threshold LIMIT_CAPABILITIES/
// DOWNGRADE_MODEL modifiers spec.md §4.5 step 4 describes, plus the
// supplemented backpressure hint from SPEC_FULL.md §3 item 3.
type ActionOverrides struct {
	MaxTokensRemaining  int64
	BackpressureDelayMs int
}

// Decision is the Guard's verdict for one hook call. All eight hooks
// return one; the four "variants" spec.md §3 describes (admission,
// iteration, model, tool) are this same struct with the model-specific
// fields populated only by BeforeModelCall/AfterModelCall.
type Decision struct {
	Allowed  bool
	Action   Action
	Reason   string
	Warnings []string

	ActionOverrides ActionOverrides

	// UtilizationUSD is the highest per-budget utilization fraction
	// (spent/hard_limit) seen across every budget this decision
	// considered, paired with PressureLevel's coarser classification.
	UtilizationUSD float64
	PressureLevel  string

	// Model-decision-specific fields, spec.md §3.
	EffectiveModel string
	MaxTokens      int64
	WasDowngraded  bool
}

func allowDecision() Decision {
	return Decision{Allowed: true, Action: ActionAllow}
}

// decideFromChecks applies the precedence rules of spec.md §4.5 over
// one hook's set of per-budget CheckResults: hard-limit exceeded beats
// per-run constraint violations, which beat soft-threshold blocking
// actions, which beat soft-threshold modifying actions, which beat
// LOG_ONLY. The first rule that matches any result wins outright; the
// modifying/log tiers instead accumulate across every result since
// more than one budget may be applying LIMIT_CAPABILITIES/LOG_ONLY at
// once.
func decideFromChecks(results []budget.CheckResult) Decision {
	for _, r := range results {
		if r.HardLimitExceeded {
			switch r.HardLimitAction {
			case policystore.ActionRejectNewRuns:
				return Decision{Allowed: false, Action: ActionReject,
					Reason: fmt.Sprintf("budget %s: hard limit exceeded", r.BudgetID)}
			case policystore.ActionHaltRun:
				return Decision{Allowed: false, Action: ActionHalt,
					Reason: fmt.Sprintf("budget %s: hard limit exceeded", r.BudgetID)}
			}
		}
	}

	for _, r := range results {
		if r.PerRunExceeded {
			return Decision{Allowed: false, Action: ActionHalt, Reason: r.PerRunReason}
		}
	}

	d := allowDecision()
	maxPressure := ""
	tokensRemainingSet := false
	for _, r := range results {
		if pressureRank(r.PressureLevel) > pressureRank(maxPressure) {
			maxPressure = r.PressureLevel
		}
		if r.UtilizationUSD > d.UtilizationUSD {
			d.UtilizationUSD = r.UtilizationUSD
		}
		for _, c := range r.NewlyCrossed {
			switch c.Action {
			case policystore.ActionHaltNewRuns:
				return Decision{Allowed: false, Action: ActionReject,
					Reason: fmt.Sprintf("budget %s: soft threshold %.2f crossed with HALT_NEW_RUNS", c.BudgetID, c.Fraction)}
			case policystore.ActionLimitCapabilities:
				d.Warnings = append(d.Warnings, fmt.Sprintf(
					"budget %s: soft threshold %.2f crossed, limiting capabilities", c.BudgetID, c.Fraction))
				if r.BackpressureDelayMs > d.ActionOverrides.BackpressureDelayMs {
					d.ActionOverrides.BackpressureDelayMs = r.BackpressureDelayMs
				}
				if r.RemainingTokens >= 0 && (!tokensRemainingSet || r.RemainingTokens < d.ActionOverrides.MaxTokensRemaining) {
					d.ActionOverrides.MaxTokensRemaining = r.RemainingTokens
					tokensRemainingSet = true
				}
			case policystore.ActionDowngradeModel:
				d.Warnings = append(d.Warnings, fmt.Sprintf(
					"budget %s: soft threshold %.2f crossed, downgrade requested", c.BudgetID, c.Fraction))
			case policystore.ActionLogOnly:
				d.Warnings = append(d.Warnings, fmt.Sprintf(
					"budget %s: soft threshold %.2f crossed", c.BudgetID, c.Fraction))
			}
		}
	}
	d.PressureLevel = maxPressure
	return d
}

func pressureRank(level string) int {
	switch level {
	case "critical":
		return 3
	case "high":
		return 2
	case "medium":
		return 1
	case "low":
		return 0
	default:
		return -1
	}
}
