package llm

import "github.com/flopods/engine/engine/streaming"

// ModelPrice is USD per million tokens.
type ModelPrice struct {
	PromptPerMTok     float64
	CompletionPerMTok float64
}

// Static pricing catalog. Unlisted models simply carry no cost figure; the
// catalog is advisory, not a billing source.
var priceCatalog = map[ProviderName]map[string]ModelPrice{
	ProviderOpenAI: {
		"gpt-4o":      {PromptPerMTok: 2.50, CompletionPerMTok: 10.00},
		"gpt-4o-mini": {PromptPerMTok: 0.15, CompletionPerMTok: 0.60},
		"gpt-4.1":     {PromptPerMTok: 2.00, CompletionPerMTok: 8.00},
	},
	ProviderAnthropic: {
		"claude-3-5-sonnet-latest": {PromptPerMTok: 3.00, CompletionPerMTok: 15.00},
		"claude-3-5-haiku-latest":  {PromptPerMTok: 0.80, CompletionPerMTok: 4.00},
	},
	ProviderGoogle: {
		"gemini-2.0-flash": {PromptPerMTok: 0.10, CompletionPerMTok: 0.40},
		"gemini-1.5-pro":   {PromptPerMTok: 1.25, CompletionPerMTok: 5.00},
	},
	ProviderGroq: {
		"llama-3.3-70b-versatile": {PromptPerMTok: 0.59, CompletionPerMTok: 0.79},
	},
}

// LookupPrice returns the catalog entry for a provider/model pair.
func LookupPrice(provider ProviderName, model string) (ModelPrice, bool) {
	models, ok := priceCatalog[provider]
	if !ok {
		return ModelPrice{}, false
	}
	price, ok := models[model]
	return price, ok
}

// EstimateCostUSD prices a usage snapshot against the catalog.
func EstimateCostUSD(provider ProviderName, model string, usage *streaming.Usage) (float64, bool) {
	if usage == nil {
		return 0, false
	}
	price, ok := LookupPrice(provider, model)
	if !ok {
		return 0, false
	}
	cost := float64(usage.PromptTokens)*price.PromptPerMTok/1e6 +
		float64(usage.CompletionTokens)*price.CompletionPerMTok/1e6
	return cost, true
}
