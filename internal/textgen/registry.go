package textgen

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/cost"
	"github.com/sells-group/catalog-curator/internal/resilience"
)

// ErrUnknownBackend is returned for a name with no registered generator.
var ErrUnknownBackend = eris.New("textgen: unknown backend")

// Result is a priced generation.
type Result struct {
	Backend    string
	Text       string
	TokensUsed int
	CostUSD    float64
	Model      string
	Latency    time.Duration
}

// Registry holds named generators and routes calls through per-backend
// circuit breakers and retry, pricing each reply with the cost calculator.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Generator
	calc     *cost.Calculator
	breakers *resilience.ServiceBreakers
	retry    resilience.RetryConfig
	tracker  *cost.Tracker
}

// NewRegistry creates an empty registry.
func NewRegistry(calc *cost.Calculator, breakers *resilience.ServiceBreakers, retry resilience.RetryConfig) *Registry {
	if calc == nil {
		calc = cost.NewCalculator(cost.DefaultRates())
	}
	if breakers == nil {
		breakers = resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	}
	return &Registry{
		backends: make(map[string]Generator),
		calc:     calc,
		breakers: breakers,
		retry:    retry,
		tracker:  cost.NewTracker(),
	}
}

// Register adds or replaces a generator under its own name.
func (r *Registry) Register(g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[g.Name()] = g
}

// Names returns registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.backends[name]
	return ok
}

// Calculator returns the pricing calculator.
func (r *Registry) Calculator() *cost.Calculator { return r.calc }

// Usage returns per-backend usage since start.
func (r *Registry) Usage() []cost.Usage { return r.tracker.Snapshot() }

// Breakers exposes the breaker registry for health reporting.
func (r *Registry) Breakers() *resilience.ServiceBreakers { return r.breakers }

// Generate runs req on the named backend.
func (r *Registry) Generate(ctx context.Context, name string, req Request) (*Result, error) {
	r.mu.RLock()
	g, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrUnknownBackend, "textgen: %s", name)
	}

	cfg := r.retry
	cfg.OnRetry = resilience.RetryLogger(name, "generate")
	cb := r.breakers.Get(name)

	start := time.Now()
	gen, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Generation, error) {
		return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*Generation, error) {
			return g.Generate(ctx, req)
		})
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Backend:    name,
		Text:       gen.Text,
		TokensUsed: gen.TokensUsed,
		CostUSD:    r.calc.Generation(name, gen.TokensUsed),
		Model:      gen.Model,
		Latency:    time.Since(start),
	}
	r.tracker.Record(name, res.TokensUsed, res.CostUSD)

	zap.L().Debug("textgen: generation complete",
		zap.String("backend", name),
		zap.String("model", res.Model),
		zap.Int("tokens", res.TokensUsed),
		zap.Float64("cost_usd", res.CostUSD),
		zap.Duration("latency", res.Latency),
	)
	return res, nil
}
