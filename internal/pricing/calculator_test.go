package pricing

import (
	"testing"

	"github.com/wisemanIV/strand-cost-guard/internal/policystore"
)

func testTable() policystore.PricingTable {
	pt := policystore.PricingTable{
		Models: map[string]policystore.ModelPricing{
			"gpt-4-turbo": {
				InputPer1k:       0.01,
				CachedInputPer1k: 0.005,
				OutputPer1k:      0.03,
				ReasoningPer1k:   0.06,
			},
		},
		Fallback: policystore.ModelPricing{InputPer1k: 0.002, OutputPer1k: 0.002},
	}
	pt.RebuildOrder()
	return pt
}

func TestCalculateModelCostExactMatch(t *testing.T) {
	c := NewCalculator(testTable())
	cost, key, _ := c.CalculateModelCost("gpt-4-turbo", TokenUsage{
		PromptTokens:     1000,
		CachedTokens:     200,
		CompletionTokens: 500,
		ReasoningTokens:  100,
	})
	if key != "gpt-4-turbo" {
		t.Fatalf("expected exact resolution, got %q", key)
	}
	want := (800.0/1000.0)*0.01 + (200.0/1000.0)*0.005 + (500.0/1000.0)*0.03 + (100.0/1000.0)*0.06
	if diff := cost - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("cost = %v, want %v", cost, want)
	}
}

func TestCalculateModelCostFallback(t *testing.T) {
	c := NewCalculator(testTable())
	cost, key, _ := c.CalculateModelCost("some-unlisted-model", TokenUsage{PromptTokens: 1000, CompletionTokens: 1000})
	if key != "" {
		t.Fatalf("expected fallback (empty key), got %q", key)
	}
	want := 1.0*0.002 + 1.0*0.002
	if cost != want {
		t.Fatalf("cost = %v, want %v", cost, want)
	}
}

func TestCalculateModelCostCachedClampedToPrompt(t *testing.T) {
	c := NewCalculator(testTable())
	cost, _, _ := c.CalculateModelCost("gpt-4-turbo", TokenUsage{PromptTokens: 100, CachedTokens: 10000})
	want := (100.0 / 1000.0) * 0.005
	if cost != want {
		t.Fatalf("expected cached tokens clamped to prompt tokens: cost = %v, want %v", cost, want)
	}
}

func TestCalculateToolCostFlatPlusMetered(t *testing.T) {
	pt := policystore.PricingTable{
		Currency: "USD",
		Tools: map[string]policystore.ToolPricing{
			"web_search": {CostPerCall: 0.01, CostPerInputByte: 0.0001, CostPerOutputByte: 0.00005},
		},
	}
	c := NewCalculator(pt)
	cost := c.CalculateToolCost("web_search", 200, 1000)
	want := 0.01 + 200*0.0001 + 1000*0.00005
	if diff := cost - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("cost = %v, want %v", cost, want)
	}
}

func TestCalculateToolCostUnconfiguredToolIsFree(t *testing.T) {
	c := NewCalculator(policystore.PricingTable{})
	if cost := c.CalculateToolCost("unknown_tool", 500, 500); cost != 0 {
		t.Fatalf("expected unconfigured tool to cost 0, got %v", cost)
	}
}

func TestSetTableSwapsAtomically(t *testing.T) {
	c := NewCalculator(testTable())
	newTable := policystore.PricingTable{Fallback: policystore.ModelPricing{InputPer1k: 1}}
	newTable.RebuildOrder()
	c.SetTable(newTable)
	cost, _, _ := c.CalculateModelCost("gpt-4-turbo", TokenUsage{PromptTokens: 1000})
	if cost != 1 {
		t.Fatalf("expected new table to apply after SetTable, got cost=%v", cost)
	}
}
