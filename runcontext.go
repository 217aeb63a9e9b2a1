package guard

import "time"

// RunStatus is the lifecycle state of one run, per spec.md §3.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusHalted    RunStatus = "halted"
	RunStatusRejected  RunStatus = "rejected"
)

// RunContext is the immutable identity of one agent run, created once
// at admission and referenced by RunID throughout the run's lifetime.
// All four IDs are opaque strings as far as the Guard is concerned.
type RunContext struct {
	TenantID   string
	StrandID   string
	WorkflowID string
	RunID      string
	StartedAt  time.Time
	Metadata   map[string]string
}

// BudgetSnapshot is a point-in-time read of one applicable budget's
// pressure, the supplemented query from SPEC_FULL.md §3 item 4: hosts
// that want a human-readable gauge between decisions, not just the
// allow/reject verdict a hook returns.
type BudgetSnapshot struct {
	BudgetID       string
	UtilizationUSD float64
	PressureLevel  string
}
