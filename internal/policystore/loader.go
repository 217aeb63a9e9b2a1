package policystore

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// budgetsDoc/routingDoc/pricingDoc mirror the on-disk YAML shape of
// budgets.yaml, routing.yaml and pricing.yaml in a policy directory.
type budgetsDoc struct {
	Budgets []BudgetSpec `yaml:"budgets"`
}

type routingDoc struct {
	Policies []RoutingPolicy `yaml:"policies"`
}

// LoadDir reads budgets.yaml, routing.yaml and pricing.yaml from dir and
// assembles a Snapshot. Missing files are treated as empty documents so a
// policy directory can carry only the pieces it needs.
func LoadDir(dir string) (Snapshot, error) {
	var snap Snapshot

	if bd, err := readBudgets(filepath.Join(dir, "budgets.yaml")); err != nil {
		return snap, err
	} else {
		snap.Budgets = bd
	}

	if rd, err := readRouting(filepath.Join(dir, "routing.yaml")); err != nil {
		return snap, err
	} else {
		snap.Routing = rd
	}

	pt, err := readPricing(filepath.Join(dir, "pricing.yaml"))
	if err != nil {
		return snap, err
	}
	snap.Pricing = pt

	for _, b := range snap.Budgets {
		if err := validateBudget(b); err != nil {
			return snap, fmt.Errorf("invalid budget %q: %w", b.ID, err)
		}
	}
	for _, r := range snap.Routing {
		if err := validateRouting(r); err != nil {
			return snap, fmt.Errorf("invalid routing policy %q: %w", r.ID, err)
		}
	}

	return snap, nil
}

func readBudgets(path string) ([]BudgetSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc budgetsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc.Budgets, nil
}

func readRouting(path string) ([]RoutingPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc routingDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc.Policies, nil
}

func readPricing(path string) (PricingTable, error) {
	var pt PricingTable
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return pt, nil
		}
		return pt, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &pt); err != nil {
		return pt, fmt.Errorf("parse %s: %w", path, err)
	}
	if pt.Models == nil {
		pt.Models = map[string]ModelPricing{}
	}
	if pt.Tools == nil {
		pt.Tools = map[string]ToolPricing{}
	}
	pt.RebuildOrder()
	return pt, nil
}

func validateBudget(b BudgetSpec) error {
	if b.ID == "" {
		return fmt.Errorf("missing id")
	}
	switch b.Period {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly:
	default:
		return fmt.Errorf("unknown period %q", b.Period)
	}
	if b.HardLimitUSD == nil && b.HardLimitTokens == nil {
		return fmt.Errorf("must set hard_limit_usd or hard_limit_tokens")
	}
	for _, th := range b.SoftThresholds {
		if th.Fraction <= 0 || th.Fraction > 1 {
			return fmt.Errorf("soft threshold fraction %v out of (0,1]", th.Fraction)
		}
	}
	return nil
}

func validateRouting(r RoutingPolicy) error {
	if r.ID == "" {
		return fmt.Errorf("missing id")
	}
	return nil
}
