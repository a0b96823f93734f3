package routing

import (
	"fmt"
	"strings"
	"time"
)

// Strategy is the dimension used to rank candidate providers.
type Strategy string

const (
	StrategyNone    Strategy = ""
	StrategyCost    Strategy = "cost"
	StrategyLatency Strategy = "latency"
	StrategyQuality Strategy = "quality"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyCost, StrategyLatency, StrategyQuality:
		return true
	default:
		return false
	}
}

// ParseStrategy accepts an empty string as "no hint".
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if st == StrategyNone || st.Valid() {
		return st, nil
	}
	return StrategyNone, fmt.Errorf("invalid routing strategy: %s, valid options: %v", s, []Strategy{StrategyCost, StrategyLatency, StrategyQuality})
}

// TaskType names the kind of work a request carries. The set is open: any
// task without a mapping is routed by cost.
type TaskType string

const (
	TaskQualification TaskType = "qualification"
	TaskEnrichment    TaskType = "enrichment"
	TaskGeneral       TaskType = "general"
	TaskDeepResearch  TaskType = "deep_research"
)

func ParseTaskType(s string) TaskType {
	return TaskType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
}

// ProviderConfig is the static routing description of one provider.
// It is read-only once the registry is built.
type ProviderConfig struct {
	Name                   string        `json:"name"`
	Type                   string        `json:"type"`
	BaseEndpoint           string        `json:"base_endpoint"`
	ModelID                string        `json:"model_id"`
	CostPerPromptToken     float64       `json:"cost_per_prompt_token"`
	CostPerCompletionToken float64       `json:"cost_per_completion_token"`
	AverageLatencyMs       int           `json:"average_latency_ms"`
	PriorityRank           int           `json:"priority_rank"`
	MaxTokens              int           `json:"max_tokens"`
	Timeout                time.Duration `json:"timeout"`
}

// CombinedTokenCost is the sort key of the cost strategy.
func (p ProviderConfig) CombinedTokenCost() float64 {
	return p.CostPerPromptToken + p.CostPerCompletionToken
}
