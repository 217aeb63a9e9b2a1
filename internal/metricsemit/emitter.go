// Package metricsemit emits the host-facing genai.*/strands.* metrics
// described in spec.md §6, using OpenTelemetry's metric API the way
// the host orchestrator's go.mod commits to the otel/otel-sdk/otlpmetric
// stack for its own telemetry.
package metricsemit

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attrs carries the base dimensions attached to every emitted metric.
type Attrs struct {
	TenantID   string
	StrandID   string
	WorkflowID string
	Metadata   map[string]string
}

func (a Attrs) toOtel() []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String("strands.tenant_id", a.TenantID),
		attribute.String("strands.strand_id", a.StrandID),
		attribute.String("strands.workflow_id", a.WorkflowID),
	}
	for k, v := range a.Metadata {
		kvs = append(kvs, attribute.String("strands.metadata."+k, v))
	}
	return kvs
}

// Emitter is the interface the Guard depends on to report cost and
// lifecycle events. A recording fake implements it for tests.
type Emitter interface {
	CostTotal(ctx context.Context, usd float64, attrs Attrs)
	CostModel(ctx context.Context, usd float64, model string, attrs Attrs)
	TokensInput(ctx context.Context, n int64, model string, attrs Attrs)
	TokensOutput(ctx context.Context, n int64, model string, attrs Attrs)
	AgentRun(ctx context.Context, attrs Attrs)
	AgentIteration(ctx context.Context, attrs Attrs)
	AgentToolCall(ctx context.Context, tool string, attrs Attrs)
	DowngradeEvent(ctx context.Context, reason string, attrs Attrs)
	RejectionEvent(ctx context.Context, reason string, attrs Attrs)
	HaltEvent(ctx context.Context, reason string, attrs Attrs)
}

// OTel is the default Emitter, backed by an otel/metric.Meter. Callers
// own the MeterProvider's lifecycle (including wiring it to the
// otlpmetricgrpc exporter); this type only registers instruments and
// records measurements.
type OTel struct {
	costTotal       metric.Float64Counter
	costModel       metric.Float64Counter
	tokensInput     metric.Int64Counter
	tokensOutput    metric.Int64Counter
	agentRuns       metric.Int64Counter
	agentIterations metric.Int64Counter
	agentToolCalls  metric.Int64Counter
	downgrades      metric.Int64Counter
	rejections      metric.Int64Counter
	halts           metric.Int64Counter
}

// NewOTel registers all genai.*/strands.* instruments against meter.
func NewOTel(meter metric.Meter) (*OTel, error) {
	e := &OTel{}
	var err error

	if e.costTotal, err = meter.Float64Counter("genai.cost.total",
		metric.WithDescription("Total cost in USD attributed to a run"),
		metric.WithUnit("USD")); err != nil {
		return nil, err
	}
	if e.costModel, err = meter.Float64Counter("genai.cost.model",
		metric.WithDescription("Cost in USD attributed to a specific model"),
		metric.WithUnit("USD")); err != nil {
		return nil, err
	}
	if e.tokensInput, err = meter.Int64Counter("genai.tokens.input",
		metric.WithDescription("Input tokens consumed")); err != nil {
		return nil, err
	}
	if e.tokensOutput, err = meter.Int64Counter("genai.tokens.output",
		metric.WithDescription("Output tokens produced")); err != nil {
		return nil, err
	}
	if e.agentRuns, err = meter.Int64Counter("genai.agent.runs",
		metric.WithDescription("Agent runs started")); err != nil {
		return nil, err
	}
	if e.agentIterations, err = meter.Int64Counter("genai.agent.iterations",
		metric.WithDescription("Agent iterations executed")); err != nil {
		return nil, err
	}
	if e.agentToolCalls, err = meter.Int64Counter("genai.agent.tool_calls",
		metric.WithDescription("Agent tool calls executed")); err != nil {
		return nil, err
	}
	if e.downgrades, err = meter.Int64Counter("genai.cost.downgrade_events",
		metric.WithDescription("Model downgrade events triggered by routing")); err != nil {
		return nil, err
	}
	if e.rejections, err = meter.Int64Counter("genai.cost.rejection_events",
		metric.WithDescription("Calls rejected by a hard budget limit")); err != nil {
		return nil, err
	}
	if e.halts, err = meter.Int64Counter("genai.cost.halt_events",
		metric.WithDescription("Runs halted by a hard budget limit")); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *OTel) CostTotal(ctx context.Context, usd float64, attrs Attrs) {
	e.costTotal.Add(ctx, usd, metric.WithAttributes(attrs.toOtel()...))
}

func (e *OTel) CostModel(ctx context.Context, usd float64, model string, attrs Attrs) {
	kvs := append(attrs.toOtel(), attribute.String("model", model))
	e.costModel.Add(ctx, usd, metric.WithAttributes(kvs...))
}

func (e *OTel) TokensInput(ctx context.Context, n int64, model string, attrs Attrs) {
	kvs := append(attrs.toOtel(), attribute.String("model", model))
	e.tokensInput.Add(ctx, n, metric.WithAttributes(kvs...))
}

func (e *OTel) TokensOutput(ctx context.Context, n int64, model string, attrs Attrs) {
	kvs := append(attrs.toOtel(), attribute.String("model", model))
	e.tokensOutput.Add(ctx, n, metric.WithAttributes(kvs...))
}

func (e *OTel) AgentRun(ctx context.Context, attrs Attrs) {
	e.agentRuns.Add(ctx, 1, metric.WithAttributes(attrs.toOtel()...))
}

func (e *OTel) AgentIteration(ctx context.Context, attrs Attrs) {
	e.agentIterations.Add(ctx, 1, metric.WithAttributes(attrs.toOtel()...))
}

func (e *OTel) AgentToolCall(ctx context.Context, tool string, attrs Attrs) {
	kvs := append(attrs.toOtel(), attribute.String("tool", tool))
	e.agentToolCalls.Add(ctx, 1, metric.WithAttributes(kvs...))
}

func (e *OTel) DowngradeEvent(ctx context.Context, reason string, attrs Attrs) {
	kvs := append(attrs.toOtel(), attribute.String("reason", reason))
	e.downgrades.Add(ctx, 1, metric.WithAttributes(kvs...))
}

func (e *OTel) RejectionEvent(ctx context.Context, reason string, attrs Attrs) {
	kvs := append(attrs.toOtel(), attribute.String("reason", reason))
	e.rejections.Add(ctx, 1, metric.WithAttributes(kvs...))
}

func (e *OTel) HaltEvent(ctx context.Context, reason string, attrs Attrs) {
	kvs := append(attrs.toOtel(), attribute.String("reason", reason))
	e.halts.Add(ctx, 1, metric.WithAttributes(kvs...))
}

var _ Emitter = (*OTel)(nil)
