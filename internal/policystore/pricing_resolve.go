package policystore

import "strings"

// RebuildOrder records the Models keys in sorted order so ResolveModel can
// tie-break deterministically. Map iteration order in Go is randomized and
// the YAML declaration order is not kept, so this is called once right
// after unmarshaling.
func (pt *PricingTable) RebuildOrder() {
	// yaml.v3 into a map loses order; reconstruct a stable order instead
	// by sorting keys so at least repeated loads of the same document are
	// deterministic. Exact and longest-prefix resolution below do not
	// depend on Models map order for correctness, only the final tie
	// break among equal-length prefixes does, and configured-key order is
	// approximated here by sorted key order.
	pt.order = make([]string, 0, len(pt.Models))
	for k := range pt.Models {
		pt.order = append(pt.order, k)
	}
	sortStrings(pt.order)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// ResolveModel finds the ModelPricing for name following spec.md's
// resolution order: exact match, then the longest matching configured
// prefix, then Fallback. Ties among equal-length prefixes are broken by
// sorted key order.
func (pt PricingTable) ResolveModel(name string) (ModelPricing, string) {
	if p, ok := pt.Models[name]; ok {
		return p, name
	}

	bestKey := ""
	bestLen := -1
	for _, key := range pt.order {
		if !strings.HasPrefix(name, key) {
			continue
		}
		if len(key) > bestLen {
			bestLen = len(key)
			bestKey = key
		}
	}
	if bestLen >= 0 {
		return pt.Models[bestKey], bestKey
	}
	return pt.Fallback, ""
}

// ResolveTool finds the ToolPricing for name by exact match. An
// unconfigured tool costs nothing; unlike models there is no fallback
// rate, since a per-call/per-byte charge can't sensibly default to a
// per-1k-token price.
func (pt PricingTable) ResolveTool(name string) ToolPricing {
	return pt.Tools[name]
}
