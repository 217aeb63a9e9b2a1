// Package policystore holds the BudgetSpec/RoutingPolicy/PricingTable
// documents that govern a Guard's decisions, along with the wildcard
// matching and priority scoring used to resolve which documents apply to
// a given tenant/strand/workflow.
package policystore

import "time"

// Scope is the level at which a BudgetSpec or RoutingPolicy is declared.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeTenant   Scope = "tenant"
	ScopeStrand   Scope = "strand"
	ScopeWorkflow Scope = "workflow"
)

// Period is the accounting window a BudgetSpec resets on.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// SoftThresholdAction is the action taken when a soft threshold is crossed.
type SoftThresholdAction string

const (
	ActionLogOnly           SoftThresholdAction = "LOG_ONLY"
	ActionLimitCapabilities SoftThresholdAction = "LIMIT_CAPABILITIES"
	ActionDowngradeModel    SoftThresholdAction = "DOWNGRADE_MODEL"
	ActionHaltNewRuns       SoftThresholdAction = "HALT_NEW_RUNS"
)

// HardLimitAction is the action taken when a hard limit is exceeded.
type HardLimitAction string

const (
	ActionRejectNewRuns HardLimitAction = "REJECT_NEW_RUNS"
	ActionHaltRun       HardLimitAction = "HALT_RUN"
)

// SoftThreshold fires an action once cumulative spend crosses Fraction of
// the hard limit within the current period.
type SoftThreshold struct {
	Fraction float64             `yaml:"fraction"`
	Action   SoftThresholdAction `yaml:"action"`
}

// PerRunConstraints bound a single run independent of the budget's period
// accounting.
type PerRunConstraints struct {
	MaxIterations int     `yaml:"max_iterations"`
	MaxToolCalls  int     `yaml:"max_tool_calls"`
	MaxTokens     int64   `yaml:"max_tokens"`
	MaxCostUSD    float64 `yaml:"max_cost_usd"`
	MaxLatencyMs  int64   `yaml:"max_latency_ms"`
}

// BudgetSpec declares a budget for the tenant/strand/workflow patterns it
// matches, for a given accounting Period.
type BudgetSpec struct {
	ID       string `yaml:"id"`
	Scope    Scope  `yaml:"scope"`
	Tenant   string `yaml:"tenant"`
	Strand   string `yaml:"strand"`
	Workflow string `yaml:"workflow"`
	Period   Period `yaml:"period"`

	HardLimitUSD    *float64 `yaml:"hard_limit_usd"`
	HardLimitTokens *int64   `yaml:"hard_limit_tokens"`
	HardLimitAction HardLimitAction `yaml:"hard_limit_action"`

	SoftThresholds []SoftThreshold    `yaml:"soft_thresholds"`
	PerRun         PerRunConstraints  `yaml:"per_run"`

	// MaxRunsPerPeriod caps total_runs admitted within the current period,
	// 0 means unbounded.
	MaxRunsPerPeriod int `yaml:"max_runs_per_period"`
	// MaxConcurrentRuns caps the size of concurrent_run_ids at any instant,
	// 0 means unbounded.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// Disabled lets a budget be loaded but inert without deleting it from
	// the document; yaml's zero-value-is-false default means a budget is
	// enabled unless explicitly marked disabled.
	Disabled bool              `yaml:"disabled"`
	Metadata map[string]string `yaml:"metadata"`
}

// DowngradeTrigger is the set of clauses a RoutingPolicy stage may arm.
// Each pointer field is nil when unconfigured; spec.md §4.4 step 2
// requires evaluating whichever are set in this fixed order:
// soft_threshold_exceeded, remaining_budget_below, iteration_count_above,
// latency_above_ms.
type DowngradeTrigger struct {
	SoftThresholdExceeded bool     `yaml:"soft_threshold_exceeded"`
	RemainingBudgetBelow  *float64 `yaml:"remaining_budget_below"`
	IterationCountAbove   *int     `yaml:"iteration_count_above"`
	LatencyAboveMs        *int64   `yaml:"latency_above_ms"`
}

// StageConfig is one named rung of a routing ladder, keyed by the call's
// stage (e.g. "planning", "synthesis"). If its Trigger fires and
// FallbackModel is set, the call downgrades to FallbackModel; otherwise
// it uses DefaultModel.
type StageConfig struct {
	Name          string           `yaml:"stage"`
	DefaultModel  string           `yaml:"default_model"`
	FallbackModel string           `yaml:"fallback_model"`
	MaxTokens     int64            `yaml:"max_tokens"`
	Temperature   float64          `yaml:"temperature"`
	Trigger       DowngradeTrigger `yaml:"trigger"`
}

// RoutingPolicy declares the downgrade ladder for the tenant/strand/
// workflow patterns it matches. Unlike BudgetSpec, only the single
// highest-scoring RoutingPolicy applies to a given run. DefaultModel and
// DefaultFallbackModel apply when a call's stage has no matching
// StageConfig, or a StageConfig omits its own FallbackModel.
type RoutingPolicy struct {
	ID       string `yaml:"id"`
	Scope    Scope  `yaml:"scope"`
	Tenant   string `yaml:"tenant"`
	Strand   string `yaml:"strand"`
	Workflow string `yaml:"workflow"`

	DefaultModel         string `yaml:"default_model"`
	DefaultFallbackModel string `yaml:"default_fallback_model"`

	Stages []StageConfig `yaml:"stages"`
}

// ModelPricing is the per-1k-token price table for one model.
type ModelPricing struct {
	InputPer1k       float64 `yaml:"input_per_1k"`
	CachedInputPer1k float64 `yaml:"cached_input_per_1k"`
	OutputPer1k      float64 `yaml:"output_per_1k"`
	ReasoningPer1k   float64 `yaml:"reasoning_per_1k"`
}

// ToolPricing is the flat+metered price for one tool, per spec.md §4.2:
// tool_cost = cost_per_call + input_bytes*cost_per_input_byte +
// output_bytes*cost_per_output_byte.
type ToolPricing struct {
	CostPerCall       float64 `yaml:"cost_per_call"`
	CostPerInputByte  float64 `yaml:"cost_per_input_byte"`
	CostPerOutputByte float64 `yaml:"cost_per_output_byte"`
}

// PricingTable maps model names (and prefixes) to ModelPricing and tool
// names to ToolPricing, plus a model fallback used when no model entry
// matches. Tools with no configured entry cost nothing.
type PricingTable struct {
	Currency string                 `yaml:"currency"`
	Models   map[string]ModelPricing `yaml:"models"`
	Fallback ModelPricing            `yaml:"fallback"`
	Tools    map[string]ToolPricing  `yaml:"tools"`

	// order holds the Models keys in sorted order for deterministic
	// tie-break between equally-long prefix matches.
	order []string
}

// Snapshot is an immutable, copy-on-write view of all loaded policy
// documents, handed to readers without any lock.
type Snapshot struct {
	Budgets  []BudgetSpec
	Routing  []RoutingPolicy
	Pricing  PricingTable
	LoadedAt time.Time
}
