package routing

import "strings"

// ModelPrice is the per-million-token price for a model, in US dollars.
type ModelPrice struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// PriceTable maps "backend/model" (and bare model as a fallback key) to
// its price. Values are illustrative list prices; operators override them
// via configuration rather than relying on these defaults staying current.
var PriceTable = map[string]ModelPrice{
	"anthropic/claude-opus-4":    {InputPerMillion: 15, OutputPerMillion: 75},
	"anthropic/claude-sonnet-4":  {InputPerMillion: 3, OutputPerMillion: 15},
	"anthropic/claude-haiku-4":   {InputPerMillion: 0.8, OutputPerMillion: 4},
	"openai/gpt-4o":              {InputPerMillion: 2.5, OutputPerMillion: 10},
	"openai/gpt-4o-mini":         {InputPerMillion: 0.15, OutputPerMillion: 0.6},
	"venice/llama-3.1-405b":      {InputPerMillion: 1.5, OutputPerMillion: 1.5},
	"bedrock/anthropic.claude-3": {InputPerMillion: 3, OutputPerMillion: 15},
}

// LookupPrice finds the price for backend+model, falling back to a
// bare-model key, then a zero price if neither is known.
func LookupPrice(backend, model string) (ModelPrice, bool) {
	key := strings.ToLower(backend) + "/" + strings.ToLower(model)
	if price, ok := PriceTable[key]; ok {
		return price, true
	}
	if price, ok := PriceTable[strings.ToLower(model)]; ok {
		return price, true
	}
	return ModelPrice{}, false
}

// ComputeCost returns the dollar cost of a completion given token counts.
// Unknown backend/model pairs cost 0, never an error: cost is an
// observability signal, not something that should abort a turn that
// otherwise completed successfully.
func ComputeCost(backend, model string, inputTokens, outputTokens int64) float64 {
	price, _ := LookupPrice(backend, model)
	return float64(inputTokens)/1_000_000*price.InputPerMillion +
		float64(outputTokens)/1_000_000*price.OutputPerMillion
}
