package policystore

import "strings"

// MatchPattern reports whether value matches pattern, where pattern is
// one of: "*" (matches anything), an exact literal, or a literal with a
// trailing "*" treated as a prefix match.
func MatchPattern(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	}
	return pattern == value
}

func scopeWeight(s Scope) int {
	switch s {
	case ScopeTenant:
		return 10
	case ScopeStrand:
		return 20
	case ScopeWorkflow:
		return 30
	default:
		return 0
	}
}

// patternBonus scores how specific a non-wildcard pattern is: exact
// tenant/strand/workflow matches each add a fixed bonus, used to break
// ties between BudgetSpecs/RoutingPolicies declared at the same Scope.
func patternBonus(tenantPattern, strandPattern, workflowPattern string) int {
	bonus := 0
	if tenantPattern != "" && tenantPattern != "*" {
		bonus += 1
	}
	if strandPattern != "" && strandPattern != "*" {
		bonus += 2
	}
	if workflowPattern != "" && workflowPattern != "*" {
		bonus += 4
	}
	return bonus
}

// Matches reports whether a BudgetSpec applies to the given identifiers.
func (b BudgetSpec) Matches(tenant, strand, workflow string) bool {
	if b.Disabled {
		return false
	}
	return MatchPattern(b.Tenant, tenant) &&
		MatchPattern(b.Strand, strand) &&
		MatchPattern(b.Workflow, workflow)
}

// Score returns the priority score used to rank matching BudgetSpecs.
// Higher scores win ties; all matching specs still apply concurrently
// per spec.md, Score only matters for RoutingPolicy selection and for
// presenting a deterministic ordering to callers/tests.
func (b BudgetSpec) Score() int {
	return scopeWeight(b.Scope) + patternBonus(b.Tenant, b.Strand, b.Workflow)
}

// Matches reports whether a RoutingPolicy applies to the given identifiers.
func (r RoutingPolicy) Matches(tenant, strand, workflow string) bool {
	return MatchPattern(r.Tenant, tenant) &&
		MatchPattern(r.Strand, strand) &&
		MatchPattern(r.Workflow, workflow)
}

// Score returns the priority score used to select the single highest
// ranking RoutingPolicy for a run.
func (r RoutingPolicy) Score() int {
	return scopeWeight(r.Scope) + patternBonus(r.Tenant, r.Strand, r.Workflow)
}

// MatchingBudgets returns every BudgetSpec in the snapshot that applies
// to the given identifiers, in declaration order. Per spec.md all
// matching budgets apply concurrently.
func (s Snapshot) MatchingBudgets(tenant, strand, workflow string) []BudgetSpec {
	var out []BudgetSpec
	for _, b := range s.Budgets {
		if b.Matches(tenant, strand, workflow) {
			out = append(out, b)
		}
	}
	return out
}

// SelectRoutingPolicy returns the single highest-scoring RoutingPolicy
// that applies to the given identifiers, or false if none match. Ties
// are broken by declaration order (first wins), matching the
// deterministic tie-break used for pricing model resolution.
func (s Snapshot) SelectRoutingPolicy(tenant, strand, workflow string) (RoutingPolicy, bool) {
	best := -1
	var bestPolicy RoutingPolicy
	found := false
	for _, r := range s.Routing {
		if !r.Matches(tenant, strand, workflow) {
			continue
		}
		score := r.Score()
		if !found || score > best {
			best = score
			bestPolicy = r
			found = true
		}
	}
	return bestPolicy, found
}
