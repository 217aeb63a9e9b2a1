package metricsemit

import (
	"context"
	"sync"
)

// Recorded is one captured emission, for test assertions.
type Recorded struct {
	Name   string
	Value  float64
	Model  string
	Tool   string
	Reason string
	Attrs  Attrs
}

// Recording is an in-memory Emitter fake for tests: it never talks to a
// real MeterProvider and just appends every call to Events.
type Recording struct {
	mu     sync.Mutex
	Events []Recorded
}

func NewRecording() *Recording { return &Recording{} }

func (r *Recording) record(e Recorded) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, e)
}

func (r *Recording) CostTotal(_ context.Context, usd float64, attrs Attrs) {
	r.record(Recorded{Name: "genai.cost.total", Value: usd, Attrs: attrs})
}
func (r *Recording) CostModel(_ context.Context, usd float64, model string, attrs Attrs) {
	r.record(Recorded{Name: "genai.cost.model", Value: usd, Model: model, Attrs: attrs})
}
func (r *Recording) TokensInput(_ context.Context, n int64, model string, attrs Attrs) {
	r.record(Recorded{Name: "genai.tokens.input", Value: float64(n), Model: model, Attrs: attrs})
}
func (r *Recording) TokensOutput(_ context.Context, n int64, model string, attrs Attrs) {
	r.record(Recorded{Name: "genai.tokens.output", Value: float64(n), Model: model, Attrs: attrs})
}
func (r *Recording) AgentRun(_ context.Context, attrs Attrs) {
	r.record(Recorded{Name: "genai.agent.runs", Value: 1, Attrs: attrs})
}
func (r *Recording) AgentIteration(_ context.Context, attrs Attrs) {
	r.record(Recorded{Name: "genai.agent.iterations", Value: 1, Attrs: attrs})
}
func (r *Recording) AgentToolCall(_ context.Context, tool string, attrs Attrs) {
	r.record(Recorded{Name: "genai.agent.tool_calls", Value: 1, Tool: tool, Attrs: attrs})
}
func (r *Recording) DowngradeEvent(_ context.Context, reason string, attrs Attrs) {
	r.record(Recorded{Name: "genai.cost.downgrade_events", Value: 1, Reason: reason, Attrs: attrs})
}
func (r *Recording) RejectionEvent(_ context.Context, reason string, attrs Attrs) {
	r.record(Recorded{Name: "genai.cost.rejection_events", Value: 1, Reason: reason, Attrs: attrs})
}
func (r *Recording) HaltEvent(_ context.Context, reason string, attrs Attrs) {
	r.record(Recorded{Name: "genai.cost.halt_events", Value: 1, Reason: reason, Attrs: attrs})
}

var _ Emitter = (*Recording)(nil)
