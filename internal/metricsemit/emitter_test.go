package metricsemit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestOTelEmitterRecordsCostTotal(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("strand-cost-guard-test")

	e, err := NewOTel(meter)
	if err != nil {
		t.Fatal(err)
	}

	attrs := Attrs{TenantID: "t1", StrandID: "s1", WorkflowID: "w1"}
	e.CostTotal(context.Background(), 1.25, attrs)
	e.CostModel(context.Background(), 0.50, "gpt-5", attrs)
	e.AgentRun(context.Background(), attrs)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	if len(rm.ScopeMetrics) == 0 {
		t.Fatal("expected at least one scope of recorded metrics")
	}

	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	want := map[string]bool{"genai.cost.total": false, "genai.cost.model": false, "genai.agent.runs": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Fatalf("expected metric %q to be recorded, got %v", n, names)
		}
	}
}

func TestRecordingEmitterCapturesEvents(t *testing.T) {
	r := NewRecording()
	attrs := Attrs{TenantID: "t1", StrandID: "s1", WorkflowID: "w1", Metadata: map[string]string{"env": "prod"}}

	r.RejectionEvent(context.Background(), "hard_limit_exceeded", attrs)
	r.DowngradeEvent(context.Background(), "soft_threshold_exceeded", attrs)

	if len(r.Events) != 2 {
		t.Fatalf("expected 2 recorded events, got %d", len(r.Events))
	}
	if r.Events[0].Name != "genai.cost.rejection_events" || r.Events[0].Reason != "hard_limit_exceeded" {
		t.Fatalf("unexpected first event: %+v", r.Events[0])
	}
	if r.Events[1].Attrs.Metadata["env"] != "prod" {
		t.Fatalf("expected metadata to be preserved, got %+v", r.Events[1].Attrs)
	}
}
