package usage

// DefaultPriceKey names the fallback entry of a [Pricing] table.
const DefaultPriceKey = "default"

// Price is the cost in currency units per 1000 tokens.
type Price struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// Pricing maps model ids to prices. The [DefaultPriceKey] entry applies to
// models without their own entry.
type Pricing map[string]Price

// DefaultPricing returns list prices for the hosted models kotoba ships
// configuration for.
func DefaultPricing() Pricing {
	return Pricing{
		"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4.1-mini":  {InputPer1K: 0.0004, OutputPer1K: 0.0016},
		DefaultPriceKey: {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	}
}

// Cost estimates the cost of a call. Unknown models without a default entry
// cost nothing.
func (p Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	price, ok := p[model]
	if !ok {
		price, ok = p[DefaultPriceKey]
		if !ok {
			return 0
		}
	}
	return float64(inputTokens)/1000*price.InputPer1K + float64(outputTokens)/1000*price.OutputPer1K
}
