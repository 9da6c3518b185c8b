// Package cost prices provider usage and estimates the cost of a request
// before it is dispatched.
package cost

import (
	"sort"
	"sync"
)

// ScrapeProvider is the rate key for document fetches.
const ScrapeProvider = "scrape"

// Rates holds per-provider pricing.
type Rates struct {
	// PerThousand is the blended USD price per 1,000 tokens for each
	// text-generation backend.
	PerThousand map[string]float64 `yaml:"per_1k" mapstructure:"per_1k"`

	// ScrapePerRequest is the flat price of one document fetch.
	ScrapePerRequest float64 `yaml:"scrape_per_request" mapstructure:"scrape_per_request"`

	// Default applies to backends missing from PerThousand.
	Default float64 `yaml:"default" mapstructure:"default"`
}

// DefaultRates returns list prices for the bundled backends.
func DefaultRates() Rates {
	return Rates{
		PerThousand: map[string]float64{
			"anthropic":  0.006,
			"openai":     0.0025,
			"gemini":     0.0015,
			"perplexity": 0.003,
		},
		ScrapePerRequest: 0.0005,
		Default:          0.005,
	}
}

// Calculator computes costs for provider usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator. Missing backends fall back to
// DefaultRates.
func NewCalculator(rates Rates) *Calculator {
	def := DefaultRates()
	merged := make(map[string]float64, len(def.PerThousand)+len(rates.PerThousand))
	for k, v := range def.PerThousand {
		merged[k] = v
	}
	for k, v := range rates.PerThousand {
		merged[k] = v
	}
	rates.PerThousand = merged
	if rates.Default <= 0 {
		rates.Default = def.Default
	}
	return &Calculator{rates: rates}
}

// Rate returns the per-1,000-token price for a backend.
func (c *Calculator) Rate(backend string) float64 {
	if r, ok := c.rates.PerThousand[backend]; ok {
		return r
	}
	return c.rates.Default
}

// Generation prices a completed generation call.
func (c *Calculator) Generation(backend string, tokens int) float64 {
	if tokens <= 0 {
		return 0
	}
	return float64(tokens) / 1000 * c.Rate(backend)
}

// Scrape prices one document fetch.
func (c *Calculator) Scrape() float64 {
	return c.rates.ScrapePerRequest
}

// Estimate prices a request that will call each provider once with a
// tokenBudget-sized generation. The scrape provider is priced per request.
func (c *Calculator) Estimate(providers []string, tokenBudget int) float64 {
	var total float64
	for _, p := range providers {
		if p == ScrapeProvider {
			total += c.Scrape()
			continue
		}
		total += c.Generation(p, tokenBudget)
	}
	return total
}

// Usage is the accumulated spend of one provider.
type Usage struct {
	Provider string  `json:"provider"`
	Calls    int     `json:"calls"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

// Tracker accumulates per-provider usage for the lifetime of the process.
type Tracker struct {
	mu    sync.Mutex
	usage map[string]*Usage
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{usage: make(map[string]*Usage)}
}

// Record adds one call's usage.
func (t *Tracker) Record(provider string, tokens int, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.usage[provider]
	if !ok {
		u = &Usage{Provider: provider}
		t.usage[provider] = u
	}
	u.Calls++
	u.Tokens += int64(tokens)
	u.CostUSD += costUSD
}

// Snapshot returns usage sorted by provider name.
func (t *Tracker) Snapshot() []Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Usage, 0, len(t.usage))
	for _, u := range t.usage {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Total returns the summed cost across providers.
func (t *Tracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, u := range t.usage {
		total += u.CostUSD
	}
	return total
}
