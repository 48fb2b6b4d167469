package cost

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic  map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	MathEngine QueryRate            `yaml:"math_engine" mapstructure:"math_engine"`
	CloudOCR   QueryRate            `yaml:"cloud_ocr" mapstructure:"cloud_ocr"`
}

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// QueryRate holds flat per-call pricing.
type QueryRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// Calculator computes the cost of provider calls. Textbook search is the
// free tier and always prices at zero.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost of a Claude message call.
func (c *Calculator) Claude(model string, inputTokens, outputTokens int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}
	inCost := (float64(inputTokens) / 1e6) * rate.Input
	outCost := (float64(outputTokens) / 1e6) * rate.Output
	return inCost + outCost
}

// MathQuery returns the flat cost per computation-engine query.
func (c *Calculator) MathQuery() float64 {
	return c.rates.MathEngine.PerQuery
}

// CloudOCR returns the flat cost per cloud OCR extraction.
func (c *Calculator) CloudOCR() float64 {
	return c.rates.CloudOCR.PerQuery
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		},
		MathEngine: QueryRate{PerQuery: 0.0025},
		CloudOCR:   QueryRate{PerQuery: 0.001},
	}
}
