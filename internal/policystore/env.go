package policystore

import (
	"os"
	"strconv"
)

// LoadEnv is the thin environment-variable policy source spec.md §6
// requires: reading "{prefix}MAX_COST", "{prefix}PERIOD",
// "{prefix}DEFAULT_MODEL" and "{prefix}FALLBACK_MODEL" and, if MAX_COST
// parses, synthesizing one global wildcard BudgetSpec and (when
// DEFAULT_MODEL is also set) one global wildcard RoutingPolicy. Returns
// ok=false if MAX_COST is unset or unparsable, in which case no env
// policy applies and the directory-loaded Snapshot is used as-is.
func LoadEnv(prefix string) (budget *BudgetSpec, routing *RoutingPolicy, ok bool) {
	raw := os.Getenv(prefix + "MAX_COST")
	if raw == "" {
		return nil, nil, false
	}
	limit, err := strconv.ParseFloat(raw, 64)
	if err != nil || limit <= 0 {
		return nil, nil, false
	}

	period := Period(os.Getenv(prefix + "PERIOD"))
	switch period {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly:
	default:
		period = PeriodDaily
	}

	budget = &BudgetSpec{
		ID:              "env-global",
		Scope:           ScopeGlobal,
		Tenant:          "*",
		Strand:          "*",
		Workflow:        "*",
		Period:          period,
		HardLimitUSD:    &limit,
		HardLimitAction: ActionHaltRun,
	}

	defaultModel := os.Getenv(prefix + "DEFAULT_MODEL")
	if defaultModel != "" {
		routing = &RoutingPolicy{
			ID:                   "env-global",
			Scope:                ScopeGlobal,
			Tenant:               "*",
			Strand:               "*",
			Workflow:             "*",
			DefaultModel:         defaultModel,
			DefaultFallbackModel: os.Getenv(prefix + "FALLBACK_MODEL"),
		}
	}

	return budget, routing, true
}
