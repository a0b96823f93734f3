package routing

import "sort"

// DefaultTaskStrategies is the built-in task to strategy table. Entries from
// configuration are merged over it.
func DefaultTaskStrategies() map[TaskType]Strategy {
	return map[TaskType]Strategy{
		TaskQualification: StrategyCost,
		TaskEnrichment:    StrategyCost,
		TaskGeneral:       StrategyLatency,
		TaskDeepResearch:  StrategyQuality,
	}
}

// ResolveStrategy picks the strategy for a request. A hint always wins.
// Without a hint the task table is used; an unmapped task falls back to cost
// and fellBack is true so the caller can log it.
func ResolveStrategy(task TaskType, hint Strategy, table map[TaskType]Strategy) (strategy Strategy, fellBack bool) {
	if hint != StrategyNone {
		return hint, false
	}
	if s, ok := table[task]; ok && s.Valid() {
		return s, false
	}
	return StrategyCost, true
}

// SortCandidates returns a new slice ordered by the strategy's dimension.
// Ties fall to PriorityRank ascending, then Name. qualityRanking lists
// provider names best first; unlisted providers rank after listed ones.
func SortCandidates(providers []ProviderConfig, strategy Strategy, qualityRanking []string) []ProviderConfig {
	sorted := make([]ProviderConfig, len(providers))
	copy(sorted, providers)

	rank := make(map[string]int, len(qualityRanking))
	for i, name := range qualityRanking {
		if _, dup := rank[name]; !dup {
			rank[name] = i
		}
	}
	qualityOf := func(p ProviderConfig) int {
		if r, ok := rank[p.Name]; ok {
			return r
		}
		return len(qualityRanking)
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]

		switch strategy {
		case StrategyCost:
			if ca, cb := a.CombinedTokenCost(), b.CombinedTokenCost(); ca != cb {
				return ca < cb
			}
		case StrategyLatency:
			if a.AverageLatencyMs != b.AverageLatencyMs {
				return a.AverageLatencyMs < b.AverageLatencyMs
			}
		case StrategyQuality:
			if qa, qb := qualityOf(a), qualityOf(b); qa != qb {
				return qa < qb
			}
		}

		if a.PriorityRank != b.PriorityRank {
			return a.PriorityRank < b.PriorityRank
		}
		return a.Name < b.Name
	})

	return sorted
}
