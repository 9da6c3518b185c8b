package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/approval"
	"github.com/sells-group/catalog-curator/internal/budget"
	"github.com/sells-group/catalog-curator/internal/config"
	"github.com/sells-group/catalog-curator/internal/cost"
	"github.com/sells-group/catalog-curator/internal/diff"
	"github.com/sells-group/catalog-curator/internal/orchestrator"
	"github.com/sells-group/catalog-curator/internal/resilience"
	"github.com/sells-group/catalog-curator/internal/rollback"
	"github.com/sells-group/catalog-curator/internal/scrape"
	"github.com/sells-group/catalog-curator/internal/store"
	"github.com/sells-group/catalog-curator/internal/synth"
	"github.com/sells-group/catalog-curator/internal/textgen"
)

// curatorEnv holds the store and every service built on it. Providers and
// the synthesizer are only wired for commands that run jobs.
type curatorEnv struct {
	Store        store.Store
	Weights      *diff.Weights
	Calc         *cost.Calculator
	Ledger       *budget.Ledger
	Registry     *textgen.Registry // nil unless providers are wired
	Orchestrator *orchestrator.Orchestrator
	Rollback     *rollback.Manager
	Approval     *approval.Service
}

// Close stops running jobs and releases the store.
func (e *curatorEnv) Close() {
	if e.Orchestrator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Orchestrator.Shutdown(ctx); err != nil {
			zap.L().Warn("orchestrator shutdown", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "curator.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// initEnv validates config for command, opens and migrates the store and
// builds the services. withProviders wires text-generation backends and
// document fetchers so jobs can run.
func initEnv(ctx context.Context, c *config.Config, command string, withProviders bool) (*curatorEnv, error) {
	if err := c.Validate(command); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env, err := buildEnv(ctx, c, st, withProviders)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// buildEnv assembles services over an open store.
func buildEnv(ctx context.Context, c *config.Config, st store.Store, withProviders bool) (*curatorEnv, error) {
	weights, err := diff.LoadWeights(c.Diff.WeightsFile)
	if err != nil {
		return nil, eris.Wrap(err, "load diff weights")
	}

	calc := cost.NewCalculator(c.Pricing)
	ledger, err := budget.NewLedger(st, c.Budget.MonthlyCeilingUSD)
	if err != nil {
		return nil, eris.Wrap(err, "init budget ledger")
	}

	env := &curatorEnv{
		Store:   st,
		Weights: weights,
		Calc:    calc,
		Ledger:  ledger,
	}
	env.Rollback = rollback.NewManager(st, weights)
	env.Approval = approval.NewService(st, env.Rollback, weights)

	var syn orchestrator.Synthesizer
	if withProviders {
		reg, err := initRegistry(ctx, c, calc)
		if err != nil {
			return nil, err
		}
		env.Registry = reg
		syn = initSynthesizer(c, reg, weights, calc)
	}

	env.Orchestrator = orchestrator.New(st, syn, ledger, calc, orchestratorConfig(c, weights))
	return env, nil
}

func orchestratorConfig(c *config.Config, weights *diff.Weights) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	if c.Jobs.MaxConcurrent > 0 {
		oc.MaxConcurrent = c.Jobs.MaxConcurrent
	}
	if c.Jobs.BatchSize > 0 {
		oc.BatchSize = c.Jobs.BatchSize
	}
	if c.Jobs.DispatchDelayMs >= 0 {
		oc.DispatchDelay = time.Duration(c.Jobs.DispatchDelayMs) * time.Millisecond
	}
	if c.Jobs.RetryCap >= 0 {
		oc.RetryCap = c.Jobs.RetryCap
	}
	if c.Jobs.DefaultTokenBudget > 0 {
		oc.TokenBudget = c.Jobs.DefaultTokenBudget
	}
	// jobs.confidence_threshold overrides the diff-wide threshold.
	switch {
	case c.Jobs.ConfidenceThreshold > 0:
		oc.ConfidenceThreshold = c.Jobs.ConfidenceThreshold
	case c.Diff.ConfidenceThreshold > 0:
		oc.ConfidenceThreshold = c.Diff.ConfidenceThreshold
	}
	oc.CostCeilingUSD = c.Jobs.CostCeilingUSD
	oc.Weights = weights
	return oc
}

// initRegistry registers every backend that has a key.
func initRegistry(ctx context.Context, c *config.Config, calc *cost.Calculator) (*textgen.Registry, error) {
	breakers := resilience.NewServiceBreakers(resilience.BreakerFromConfig(
		c.Resilience.FailureThreshold, c.Resilience.ResetTimeoutSecs))
	retry := resilience.RetryFromAttempts(c.Resilience.MaxRetries,
		time.Duration(c.Resilience.InitialBackoffMs)*time.Millisecond)

	reg := textgen.NewRegistry(calc, breakers, retry)

	if c.Anthropic.Key != "" {
		reg.Register(textgen.NewAnthropic(c.Anthropic.Key, c.Anthropic.Model))
	}
	if c.OpenAI.Key != "" {
		reg.Register(textgen.NewOpenAI(c.OpenAI.Key, c.OpenAI.Model, c.OpenAI.BaseURL))
	}
	if c.Gemini.Key != "" {
		g, err := textgen.NewGemini(ctx, c.Gemini.Key, c.Gemini.Model)
		if err != nil {
			return nil, eris.Wrap(err, "init gemini backend")
		}
		reg.Register(g)
	}
	if c.Perplexity.Key != "" {
		reg.Register(textgen.NewPerplexity(c.Perplexity.Key, c.Perplexity.BaseURL, c.Perplexity.Model))
	}

	zap.L().Info("text-generation backends registered", zap.Strings("backends", reg.Names()))
	return reg, nil
}

// initSynthesizer builds the scrape and analysis sources. The direct HTTP
// fetcher is tried first; Jina's reader is the fallback when keyed.
func initSynthesizer(c *config.Config, reg *textgen.Registry, weights *diff.Weights, calc *cost.Calculator) *synth.Synthesizer {
	fetchers := []scrape.Fetcher{scrape.NewHTTPFetcher(scrape.HTTPOptions{
		UserAgent:  c.Scrape.UserAgent,
		Timeout:    time.Duration(c.Scrape.TimeoutSecs) * time.Second,
		MaxRetries: c.Scrape.MaxRetries,
		RatePerSec: c.Scrape.RatePerSec,
	})}
	if c.Scrape.JinaKey != "" {
		fetchers = append(fetchers, scrape.NewJinaFetcher(c.Scrape.JinaKey, c.Scrape.JinaBaseURL, c.Scrape.MaxRetries))
	}

	backends := make([]string, 0, len(c.Analysis.Backends))
	for _, b := range c.Analysis.Backends {
		if reg.Has(b) {
			backends = append(backends, b)
		}
	}

	scrapeSrc := synth.NewScrapeSource(scrape.NewChain(fetchers...), c.Scrape.URLTemplate, weights, calc)
	analysisSrc := synth.NewAnalysisSource(reg, synth.AnalysisConfig{
		Backends:    backends,
		MaxTokens:   c.Analysis.MaxTokens,
		Temperature: c.Analysis.Temperature,
	}, weights)
	return synth.New(scrapeSrc, analysisSrc)
}
