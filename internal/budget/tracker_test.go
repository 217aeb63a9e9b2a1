package budget

import (
	"context"
	"os"
	"path/filepath"
	"testing"

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

const oneHardLimitBudget = `
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

func TestRecordModelCallWithinBudget(t *testing.T) {
	store := newTestStore(t, oneHardLimitBudget)
	tr := New(store, pricing.NewCalculator(policystore.PricingTable{}), nil)

	id := RunIdentity{TenantID: "acme", StrandID: "s1", WorkflowID: "w1", RunID: "r1"}
	res, err := tr.OpenRun(context.Background(), id)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if !res.Admitted {
		t.Fatalf("expected run to be admitted, reasons: %v", res.Reasons)
	}

	results, err := tr.RecordModelCall(id, "gpt-x", 2.0, 1000, 0)
	if err != nil {
		t.Fatalf("RecordModelCall: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 matching budget, got %d", len(results))
	}
	if results[0].HardLimitExceeded {
		t.Fatalf("did not expect hard limit exceeded at $2/$10")
	}
}

func TestRecordModelCallExceedsHardLimit(t *testing.T) {
	store := newTestStore(t, oneHardLimitBudget)
	tr := New(store, pricing.NewCalculator(policystore.PricingTable{}), nil)

	id := RunIdentity{TenantID: "acme", StrandID: "s1", WorkflowID: "w1", RunID: "r1"}
	res, err := tr.OpenRun(context.Background(), id)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if !res.Admitted {
		t.Fatalf("expected run to be admitted, reasons: %v", res.Reasons)
	}

	results, err := tr.RecordModelCall(id, "gpt-x", 11.0, 1000, 0)
	if err != nil {
		t.Fatalf("RecordModelCall: %v", err)
	}
	if !results[0].HardLimitExceeded {
		t.Fatalf("expected hard limit exceeded at $11/$10")
	}
	if results[0].HardLimitAction != policystore.ActionHaltRun {
		t.Fatalf("expected HALT_RUN action, got %q", results[0].HardLimitAction)
	}
}

func TestSoftThresholdCrossedExactlyOnce(t *testing.T) {
	store := newTestStore(t, oneHardLimitBudget)
	tr := New(store, pricing.NewCalculator(policystore.PricingTable{}), nil)

	id := RunIdentity{TenantID: "acme", StrandID: "s1", WorkflowID: "w1", RunID: "r1"}
	res, err := tr.OpenRun(context.Background(), id)
	if err != nil {
		t.Fatalf("OpenRun: %v", err)
	}
	if !res.Admitted {
		t.Fatalf("expected run to be admitted, reasons: %v", res.Reasons)
	}

	first, err := tr.RecordModelCall(id, "gpt-x", 8.5, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(first[0].NewlyCrossed) != 1 {
		t.Fatalf("expected threshold to cross on first call, got %d crossings", len(first[0].NewlyCrossed))
	}

	second, err := tr.RecordModelCall(id, "gpt-x", 0.1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(second[0].NewlyCrossed) != 0 {
		t.Fatalf("expected no re-crossing of an already-crossed threshold, got %d", len(second[0].NewlyCrossed))
	}
}

func TestCloseRunRemovesFromConcurrentRunIDs(t *testing.T) {
	store := newTestStore(t, oneHardLimitBudget)
	tr := New(store, pricing.NewCalculator(policystore.PricingTable{}), nil)

	id := RunIdentity{TenantID: "acme", StrandID: "s1", WorkflowID: "w1", RunID: "r1"}
	res, err := tr.OpenRun(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Admitted {
		t.Fatalf("expected run to be admitted, reasons: %v", res.Reasons)
	}
	key := ScopeKey(store.Current().Budgets[0], id)
	tr.budgetsMu.Lock()
	be := tr.budgetStates[key]
	tr.budgetsMu.Unlock()
	if !be.state.ConcurrentRunIDs["r1"] {
		t.Fatalf("expected run registered in ConcurrentRunIDs")
	}

	tr.CloseRun(id)
	if be.state.ConcurrentRunIDs["r1"] {
		t.Fatalf("expected run removed from ConcurrentRunIDs after CloseRun")
	}
}

const concurrencyCapBudget = `
budgets:
  - id: tenant-concurrency
    scope: tenant
    tenant: acme
    strand: "*"
    workflow: "*"
    period: daily
    hard_limit_usd: 1000.0
    hard_limit_action: HALT_RUN
    max_concurrent_runs: 2
`

func TestOpenRunRejectsThirdConcurrentRun(t *testing.T) {
	store := newTestStore(t, concurrencyCapBudget)
	tr := New(store, pricing.NewCalculator(policystore.PricingTable{}), nil)

	for i, runID := range []string{"r1", "r2"} {
		id := RunIdentity{TenantID: "acme", StrandID: "s1", WorkflowID: "w1", RunID: runID}
		res, err := tr.OpenRun(context.Background(), id)
		if err != nil {
			t.Fatalf("OpenRun %d: %v", i, err)
		}
		if !res.Admitted {
			t.Fatalf("expected run %s admitted, reasons: %v", runID, res.Reasons)
		}
	}

	third := RunIdentity{TenantID: "acme", StrandID: "s1", WorkflowID: "w1", RunID: "r3"}
	res, err := tr.OpenRun(context.Background(), third)
	if err != nil {
		t.Fatal(err)
	}
	if res.Admitted {
		t.Fatal("expected third concurrent run to be rejected")
	}
	if len(res.Reasons) == 0 {
		t.Fatal("expected a rejection reason")
	}
}

const maxRunsPerPeriodBudget = `
budgets:
  - id: tenant-runs-cap
    scope: tenant
    tenant: acme
    strand: "*"
    workflow: "*"
    period: daily
    hard_limit_usd: 1000.0
    hard_limit_action: HALT_RUN
    max_runs_per_period: 1
`

func TestOpenRunRejectsAfterMaxRunsPerPeriod(t *testing.T) {
	store := newTestStore(t, maxRunsPerPeriodBudget)
	tr := New(store, pricing.NewCalculator(policystore.PricingTable{}), nil)

	first := RunIdentity{TenantID: "acme", StrandID: "s1", WorkflowID: "w1", RunID: "r1"}
	res, err := tr.OpenRun(context.Background(), first)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Admitted {
		t.Fatalf("expected first run admitted, reasons: %v", res.Reasons)
	}
	tr.CloseRun(first)

	second := RunIdentity{TenantID: "acme", StrandID: "s1", WorkflowID: "w1", RunID: "r2"}
	res2, err := tr.OpenRun(context.Background(), second)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Admitted {
		t.Fatal("expected second run to be rejected: max_runs_per_period already reached")
	}
}

const rejectNewRunsBudget = `
budgets:
  - id: tenant-reject
    scope: tenant
    tenant: acme
    strand: "*"
    workflow: "*"
    period: daily
    hard_limit_usd: 10.0
    hard_limit_action: REJECT_NEW_RUNS
`

func TestOpenRunRejectsOnceHardLimitReached(t *testing.T) {
	store := newTestStore(t, rejectNewRunsBudget)
	tr := New(store, pricing.NewCalculator(policystore.PricingTable{}), nil)

	id := RunIdentity{TenantID: "acme", StrandID: "s1", WorkflowID: "w1", RunID: "r1"}
	res, err := tr.OpenRun(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Admitted {
		t.Fatalf("expected first run admitted, reasons: %v", res.Reasons)
	}

	if _, err := tr.RecordModelCall(id, "gpt-x", 10.01, 0, 0); err != nil {
		t.Fatal(err)
	}
	tr.CloseRun(id)

	second := RunIdentity{TenantID: "acme", StrandID: "s1", WorkflowID: "w1", RunID: "r2"}
	res2, err := tr.OpenRun(context.Background(), second)
	if err != nil {
		t.Fatal(err)
	}
	if res2.Admitted {
		t.Fatal("expected new run to be rejected once the hard limit is reached")
	}
}

const maxLatencyBudget = `
budgets:
  - id: tenant-latency
    scope: tenant
    tenant: acme
    strand: "*"
    workflow: "*"
    period: daily
    hard_limit_usd: 1000.0
    hard_limit_action: HALT_RUN
    per_run:
      max_latency_ms: 2000
`

func TestCheckLatencyFlagsPerRunExceeded(t *testing.T) {
	store := newTestStore(t, maxLatencyBudget)
	tr := New(store, pricing.NewCalculator(policystore.PricingTable{}), nil)

	id := RunIdentity{TenantID: "acme", StrandID: "s1", WorkflowID: "w1", RunID: "r1"}
	res, err := tr.OpenRun(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Admitted {
		t.Fatalf("expected run admitted, reasons: %v", res.Reasons)
	}

	within, err := tr.CheckLatency(id, 500)
	if err != nil {
		t.Fatal(err)
	}
	if within[0].PerRunExceeded {
		t.Fatalf("did not expect 500ms to exceed a 2000ms max_latency_ms")
	}

	over, err := tr.CheckLatency(id, 2500)
	if err != nil {
		t.Fatal(err)
	}
	if !over[0].PerRunExceeded {
		t.Fatalf("expected 2500ms to exceed a 2000ms max_latency_ms")
	}
}
