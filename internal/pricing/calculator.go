// Package pricing computes USD cost for model and tool calls from a
// policystore.PricingTable, following the formula in spec.md §4.2:
//
//	(prompt_tokens - cached_tokens)/1000 * input_per_1k
//	  + cached_tokens/1000 * cached_input_per_1k
//	  + completion_tokens/1000 * output_per_1k
//	  + reasoning_tokens/1000 * reasoning_per_1k
package pricing

import (
	"sync/atomic"

	"github.com/wisemanIV/strand-cost-guard/internal/policystore"
)

// TokenUsage carries the token counts needed to cost a single model call.
type TokenUsage struct {
	PromptTokens     int64
	CachedTokens     int64
	CompletionTokens int64
	ReasoningTokens  int64
}

// Calculator resolves model pricing and computes call costs against a
// live PricingTable. The table can be swapped atomically on policy
// reload without readers taking a lock, mirroring policystore.Store.
type Calculator struct {
	table atomic.Pointer[policystore.PricingTable]
}

// NewCalculator creates a Calculator seeded with table.
func NewCalculator(table policystore.PricingTable) *Calculator {
	c := &Calculator{}
	c.SetTable(table)
	return c
}

// SetTable atomically swaps in a new pricing table, e.g. after a policy
// directory reload.
func (c *Calculator) SetTable(table policystore.PricingTable) {
	t := table
	c.table.Store(&t)
}

// CalculateModelCost returns the USD cost of a model call, the resolved
// model key used (exact, prefix, or "" for fallback), and the price
// entry that was applied.
func (c *Calculator) CalculateModelCost(model string, usage TokenUsage) (float64, string, policystore.ModelPricing) {
	table := c.table.Load()
	if table == nil {
		return 0, "", policystore.ModelPricing{}
	}
	price, resolvedKey := table.ResolveModel(model)

	cached := usage.CachedTokens
	if cached > usage.PromptTokens {
		cached = usage.PromptTokens
	}
	uncachedPrompt := usage.PromptTokens - cached

	cost := float64(uncachedPrompt)/1000.0*price.InputPer1k +
		float64(cached)/1000.0*price.CachedInputPer1k +
		float64(usage.CompletionTokens)/1000.0*price.OutputPer1k +
		float64(usage.ReasoningTokens)/1000.0*price.ReasoningPer1k

	return cost, resolvedKey, price
}

// CalculateToolCost returns the USD cost of one tool call per spec.md
// §4.2:
//
//	tool_cost = cost_per_call + input_bytes*cost_per_input_byte
//	              + output_bytes*cost_per_output_byte
//
// An unconfigured tool costs zero. Negative byte counts (not yet known,
// e.g. before a call completes) are treated as zero.
func (c *Calculator) CalculateToolCost(toolName string, inputBytes, outputBytes int64) float64 {
	table := c.table.Load()
	if table == nil {
		return 0
	}
	price := table.ResolveTool(toolName)
	if inputBytes < 0 {
		inputBytes = 0
	}
	if outputBytes < 0 {
		outputBytes = 0
	}
	return price.CostPerCall +
		float64(inputBytes)*price.CostPerInputByte +
		float64(outputBytes)*price.CostPerOutputByte
}
