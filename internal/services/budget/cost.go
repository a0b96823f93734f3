package budget

import "github.com/amerfu/llmrouter/internal/services/routing"

// EstimateCost prices a call at the given provider's own token rates.
func EstimateCost(p routing.ProviderConfig, promptTokens, completionTokens int) float64 {
	return float64(promptTokens)*p.CostPerPromptToken + float64(completionTokens)*p.CostPerCompletionToken
}
