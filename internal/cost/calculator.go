package cost

import (
	"github.com/sells-group/datasheet-cli/internal/config"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic     map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini        map[string]ModelRate `yaml:"gemini" mapstructure:"gemini"`
	MistralPage   float64              `yaml:"mistral_per_page" mapstructure:"mistral_per_page"`
	EstimatePages int                  `yaml:"estimate_pages" mapstructure:"estimate_pages"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int64) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Gemini computes the cost for a Gemini generate call.
func (c *Calculator) Gemini(model string, input, output int64) float64 {
	rate, ok := c.rates.Gemini[model]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// OCRPages returns the cost of running hosted OCR over n pages.
func (c *Calculator) OCRPages(n int) float64 {
	if n <= 0 {
		n = c.rates.EstimatePages
	}
	return float64(n) * c.rates.MistralPage
}

// EstimateTokens approximates a token count from text length.
func EstimateTokens(chars int) int64 {
	return int64(chars/4) + 1
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Gemini: map[string]ModelRate{
			"gemini-2.5-flash": {Input: 0.30, Output: 2.50},
			"gemini-2.5-pro":   {Input: 1.25, Output: 10.00},
		},
		MistralPage:   0.001,
		EstimatePages: 4,
	}
}

// RatesFromConfig layers configured prices over the defaults.
func RatesFromConfig(cfg config.PricingConfig) Rates {
	rates := DefaultRates()
	for model, p := range cfg.Anthropic {
		r := rates.Anthropic[model]
		r.Input, r.Output = p.Input, p.Output
		if r.CacheWriteMul == 0 {
			r.CacheWriteMul, r.CacheReadMul = 1.25, 0.1
		}
		rates.Anthropic[model] = r
	}
	for model, p := range cfg.Gemini {
		rates.Gemini[model] = ModelRate{Input: p.Input, Output: p.Output}
	}
	if cfg.MistralPage > 0 {
		rates.MistralPage = cfg.MistralPage
	}
	if cfg.EstimatePages > 0 {
		rates.EstimatePages = cfg.EstimatePages
	}
	return rates
}
