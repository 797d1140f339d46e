package usage

import (
	"math"
	"sync"

	"aigate/internal/config"
	"aigate/internal/domain"
)

// Price is the USD cost per one million tokens
type Price struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// DefaultPricing returns the built-in price table
func DefaultPricing() map[domain.Provider]map[string]Price {
	return map[domain.Provider]map[string]Price{
		domain.ProviderOpenAI: {
			"gpt-4":         {Input: 30.00, Output: 60.00},
			"gpt-4-turbo":   {Input: 10.00, Output: 30.00},
			"gpt-3.5-turbo": {Input: 0.50, Output: 1.50},
		},
		domain.ProviderAnthropic: {
			"claude-3-opus-20240229":   {Input: 15.00, Output: 75.00},
			"claude-3-sonnet-20240229": {Input: 3.00, Output: 15.00},
			"claude-3-haiku-20240307":  {Input: 0.25, Output: 1.25},
		},
		domain.ProviderGoogle: {
			"gemini-pro": {Input: 0.50, Output: 1.50},
		},
		domain.ProviderGroq: {
			"mixtral-8x7b-32768": {Input: 0.27, Output: 0.27},
			"llama3-70b-8192":    {Input: 0.59, Output: 0.79},
		},
	}
}

// CostCalculator prices requests from a mutable table
type CostCalculator struct {
	mu      sync.RWMutex
	pricing map[domain.Provider]map[string]Price
}

// NewCostCalculator creates a calculator seeded with DefaultPricing
func NewCostCalculator() *CostCalculator {
	return &CostCalculator{pricing: DefaultPricing()}
}

// NewCostCalculatorFromConfig seeds the defaults and applies configured overrides
func NewCostCalculatorFromConfig(pricing map[string]map[string]config.PriceConfig) *CostCalculator {
	c := NewCostCalculator()
	for provider, models := range pricing {
		for model, p := range models {
			c.SetPricing(domain.Provider(provider), model, p.Input, p.Output)
		}
	}
	return c
}

// Calculate returns the USD cost rounded to six places, or 0 for an unpriced model
func (c *CostCalculator) Calculate(provider domain.Provider, model string, inputTokens, outputTokens int64) float64 {
	price, ok := c.Pricing(provider, model)
	if !ok {
		return 0
	}
	cost := float64(inputTokens)/1_000_000*price.Input + float64(outputTokens)/1_000_000*price.Output
	return math.Round(cost*1e6) / 1e6
}

// Pricing returns the price for provider/model
func (c *CostCalculator) Pricing(provider domain.Provider, model string) (Price, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pricing[provider][model]
	return p, ok
}

// SetPricing adds or replaces the price for provider/model
func (c *CostCalculator) SetPricing(provider domain.Provider, model string, input, output float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pricing[provider] == nil {
		c.pricing[provider] = make(map[string]Price)
	}
	c.pricing[provider][model] = Price{Input: input, Output: output}
}

// AllPricing returns a copy of the price table
func (c *CostCalculator) AllPricing() map[domain.Provider]map[string]Price {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[domain.Provider]map[string]Price, len(c.pricing))
	for p, models := range c.pricing {
		m := make(map[string]Price, len(models))
		for name, price := range models {
			m[name] = price
		}
		out[p] = m
	}
	return out
}
