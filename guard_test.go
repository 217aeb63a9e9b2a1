package guard

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/wisemanIV/strand-cost-guard/internal/budget"
	"github.com/wisemanIV/strand-cost-guard/internal/config"
	"github.com/wisemanIV/strand-cost-guard/internal/policystore"
	"github.com/wisemanIV/strand-cost-guard/internal/pricing"
)

func newTestStore(t *testing.T, budgetsYAML string) *policystore.Store {
	t.Helper()
	dir := t.TempDir()
	if budgetsYAML != "" {
		if err := os.WriteFile(filepath.Join(dir, "budgets.yaml"), []byte(budgetsYAML), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	store, err := policystore.New(dir, nil)
	if err != nil {
		t.Fatalf("policystore.New: %v", err)
	}
	return store
}

func newTestGuard(t *testing.T, budgetsYAML string, opts ...Option) *Guard {
	t.Helper()
	store := newTestStore(t, budgetsYAML)
	calc := pricing.NewCalculator(policystore.PricingTable{
		Fallback: policystore.ModelPricing{InputPer1k: 0.01, OutputPer1k: 0.02},
	})
	tr := budget.New(store, calc, nil)

	base := []Option{
		WithPolicyStore(store),
		WithPricingCalculator(calc),
		WithBudgetTracker(tr),
		WithRunIDGenerator(func() string { return "fixed-run-id" }),
	}
	g, err := NewGuard(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return g
}

const hardLimitBudget = `
budgets:
  - id: tenant-daily
    scope: tenant
    tenant: acme
    strand: "*"
    workflow: "*"
    period: daily
    hard_limit_usd: 10.0
    hard_limit_action: HALT_RUN
    soft_thresholds:
      - fraction: 0.8
        action: LOG_ONLY
`

func TestOnRunStartAdmitsAndAssignsRunID(t *testing.T) {
	g := newTestGuard(t, hardLimitBudget)

	rc, d := g.OnRunStart(context.Background(), "acme", "s1", "w1", "", nil)
	if !d.Allowed {
		t.Fatalf("expected admission, got %+v", d)
	}
	if rc.RunID != "fixed-run-id" {
		t.Fatalf("expected synthesized run id, got %q", rc.RunID)
	}
}

func TestOnRunEndIsIdempotent(t *testing.T) {
	g := newTestGuard(t, hardLimitBudget)
	rc, d := g.OnRunStart(context.Background(), "acme", "s1", "w1", "r1", nil)
	if !d.Allowed {
		t.Fatalf("expected admission, got %+v", d)
	}

	if d := g.OnRunEnd(context.Background(), rc, RunStatusCompleted); !d.Allowed {
		t.Fatalf("expected first OnRunEnd to allow, got %+v", d)
	}
	if d := g.OnRunEnd(context.Background(), rc, RunStatusCompleted); !d.Allowed {
		t.Fatalf("expected second OnRunEnd to be a harmless no-op, got %+v", d)
	}
}

func TestAfterModelCallExceedsHardLimitHalts(t *testing.T) {
	g := newTestGuard(t, hardLimitBudget)
	rc, d := g.OnRunStart(context.Background(), "acme", "s1", "w1", "r1", nil)
	if !d.Allowed {
		t.Fatalf("expected admission, got %+v", d)
	}

	usage := pricing.TokenUsage{PromptTokens: 600_000, CompletionTokens: 600_000}
	d = g.AfterModelCall(context.Background(), rc, "gpt-x", usage, 0)
	if d.Allowed {
		t.Fatalf("expected hard limit halt, got allow")
	}
	if d.Action != ActionHalt {
		t.Fatalf("expected ActionHalt, got %v", d.Action)
	}
}

func TestDryRunModeForcesAllowButRecordsReason(t *testing.T) {
	g := newTestGuard(t, hardLimitBudget, WithMode(ModeDryRun))
	rc, d := g.OnRunStart(context.Background(), "acme", "s1", "w1", "r1", nil)
	if !d.Allowed {
		t.Fatalf("expected admission, got %+v", d)
	}

	usage := pricing.TokenUsage{PromptTokens: 600_000, CompletionTokens: 600_000}
	d = g.AfterModelCall(context.Background(), rc, "gpt-x", usage, 0)
	if !d.Allowed {
		t.Fatalf("dry-run mode must still allow, got %+v", d)
	}
	if len(d.Warnings) == 0 {
		t.Fatalf("expected dry-run warning recording the real verdict")
	}
}

func TestBeforeModelCallForUnknownRunDegradesByFailureMode(t *testing.T) {
	unknown := &RunContext{TenantID: "acme", StrandID: "s1", WorkflowID: "w1", RunID: "ghost"}

	open := newTestGuard(t, hardLimitBudget, WithFailureMode(config.FailOpen))
	if d := open.BeforeModelCall(context.Background(), unknown, "gpt-x", "plan", pricing.TokenUsage{}, 0); !d.Allowed {
		t.Fatalf("fail_open should allow on unknown run, got %+v", d)
	}

	closed := newTestGuard(t, hardLimitBudget, WithFailureMode(config.FailClosed))
	if d := closed.BeforeModelCall(context.Background(), unknown, "gpt-x", "plan", pricing.TokenUsage{}, 0); d.Allowed {
		t.Fatalf("fail_closed should reject on unknown run, got %+v", d)
	}
}

func TestOnIterationEndForUnknownRunIsNoOpWarning(t *testing.T) {
	g := newTestGuard(t, hardLimitBudget)
	unknown := &RunContext{TenantID: "acme", StrandID: "s1", WorkflowID: "w1", RunID: "ghost"}
	if d := g.OnIterationEnd(context.Background(), unknown, 1); !d.Allowed {
		t.Fatalf("after_* hook on unknown run must be a no-op allow, got %+v", d)
	}
}

func TestBudgetSnapshotsReportsPressure(t *testing.T) {
	g := newTestGuard(t, hardLimitBudget)
	rc, d := g.OnRunStart(context.Background(), "acme", "s1", "w1", "r1", nil)
	if !d.Allowed {
		t.Fatalf("expected admission, got %+v", d)
	}
	usage := pricing.TokenUsage{PromptTokens: 450_000, CompletionTokens: 0}
	if d := g.AfterModelCall(context.Background(), rc, "gpt-x", usage, 0); !d.Allowed {
		t.Fatalf("expected call within budget to be allowed, got %+v", d)
	}

	snaps := g.BudgetSnapshots("acme", "s1", "w1")
	if len(snaps) != 1 {
		t.Fatalf("expected 1 matching budget snapshot, got %d", len(snaps))
	}
	if snaps[0].BudgetID != "tenant-daily" {
		t.Fatalf("expected tenant-daily, got %q", snaps[0].BudgetID)
	}
	if snaps[0].PressureLevel != "low" {
		t.Fatalf("expected pressure level low at 45%% utilization, got %q", snaps[0].PressureLevel)
	}
}
