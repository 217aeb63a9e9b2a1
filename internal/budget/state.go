package budget

import (
	"time"

	"github.com/wisemanIV/strand-cost-guard/internal/policystore"
)

// BudgetState is the live accounting counters for one BudgetSpec,
// accumulated over its current period window, per spec.md §3.
type BudgetState struct {
	BudgetID string

	PeriodStart time.Time
	PeriodEnd   time.Time

	TotalCostUSD     float64
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalIterations   int64
	TotalToolCalls    int64
	TotalRuns         int64

	// ModelCosts and ToolCosts accumulate cost by model/tool name within
	// the current period, cleared on reset along with the scalar totals.
	ModelCosts map[string]float64
	ToolCosts  map[string]float64

	// ThresholdsCrossed records which SoftThreshold fractions have already
	// fired this period, keyed by fraction, so crossing detection is
	// monotone and exactly-once-per-period locally. Cleared on reset.
	// This is in-memory-only bookkeeping: spec.md §6 pins the persisted
	// BudgetStateData to a fixed field set that does not include it, so a
	// process restart can re-fire an already-crossed threshold once.
	ThresholdsCrossed map[float64]bool

	// ConcurrentRunIDs survives a period reset: it tracks runs open right
	// now, which are not scoped to any one accounting period.
	ConcurrentRunIDs map[string]bool
}

func newBudgetState(id string, start, end time.Time) *BudgetState {
	return &BudgetState{
		BudgetID:          id,
		PeriodStart:       start,
		PeriodEnd:         end,
		ModelCosts:        map[string]float64{},
		ToolCosts:         map[string]float64{},
		ThresholdsCrossed: map[float64]bool{},
		ConcurrentRunIDs:  map[string]bool{},
	}
}

// resetForWindow zeroes accumulated counters and clears crossed
// thresholds for a new window, but preserves ConcurrentRunIDs per
// spec.md §4.3 (runs open across a period boundary keep counting).
func (s *BudgetState) resetForWindow(start, end time.Time) {
	s.PeriodStart = start
	s.PeriodEnd = end
	s.TotalCostUSD = 0
	s.TotalInputTokens = 0
	s.TotalOutputTokens = 0
	s.TotalIterations = 0
	s.TotalToolCalls = 0
	s.TotalRuns = 0
	s.ModelCosts = map[string]float64{}
	s.ToolCosts = map[string]float64{}
	s.ThresholdsCrossed = map[float64]bool{}
}

// TotalTokens is TotalInputTokens+TotalOutputTokens, the combined figure
// a token-based hard limit is evaluated against.
func (s *BudgetState) TotalTokens() int64 {
	return s.TotalInputTokens + s.TotalOutputTokens
}

// UtilizationUSD returns spent/hard-limit as a fraction, or 0 if the
// budget has no USD hard limit.
func (s *BudgetState) UtilizationUSD(spec policystore.BudgetSpec) float64 {
	if spec.HardLimitUSD == nil || *spec.HardLimitUSD <= 0 {
		return 0
	}
	return s.TotalCostUSD / *spec.HardLimitUSD
}

// PressureLevel classifies utilization into a coarse human-readable
// label, adapted from the host's budget-pressure helper.
func PressureLevel(utilization float64) string {
	switch {
	case utilization < 0.5:
		return "low"
	case utilization < 0.75:
		return "medium"
	case utilization < 0.9:
		return "high"
	default:
		return "critical"
	}
}

// RunState is the per-run accounting record tracked while a run is open.
type RunState struct {
	RunID      string
	TenantID   string
	StrandID   string
	WorkflowID string

	StartedAt     time.Time
	Iterations    int64
	ToolCalls     int64
	CostUSD       float64
	Tokens        int64
	LastLatencyMs int64
}
