package llm

// Rates is the per-1000-token price, in USD, for a model's prompt and
// completion tokens.
type Rates struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// ModelCostPer1K is the pricing table llm_action nodes use to accumulate
// a run's cost_usd_micros counter. Unknown models cost nothing — the
// orchestrator still records token counts, it just cannot price a model
// it has no rate card for.
var ModelCostPer1K = map[string]Rates{
	"gpt-4":             {PromptPer1K: 0.03, CompletionPer1K: 0.06},
	"gpt-4-turbo":       {PromptPer1K: 0.01, CompletionPer1K: 0.03},
	"gpt-4o":            {PromptPer1K: 0.005, CompletionPer1K: 0.015},
	"gpt-3.5-turbo":     {PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
	"claude-3-opus":     {PromptPer1K: 0.015, CompletionPer1K: 0.075},
	"claude-3-sonnet":   {PromptPer1K: 0.003, CompletionPer1K: 0.015},
	"claude-3-haiku":    {PromptPer1K: 0.00025, CompletionPer1K: 0.00125},
	"claude-3-5-sonnet": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
}

// CostUSDMicros computes the cost of a completion in millionths of a US
// dollar (micros), the integer unit the runs table stores cost in so
// cost accounting never touches floating point in the database.
func CostUSDMicros(model string, promptTokens, completionTokens int64) int64 {
	rates, ok := ModelCostPer1K[model]
	if !ok {
		return 0
	}
	promptCost := float64(promptTokens) / 1000 * rates.PromptPer1K
	completionCost := float64(completionTokens) / 1000 * rates.CompletionPer1K
	return int64((promptCost + completionCost) * 1_000_000)
}
