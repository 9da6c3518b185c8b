package scrape

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/resilience"
)

// Chain tries fetchers in order and returns the first document.
type Chain struct {
	fetchers []Fetcher
}

// NewChain creates a Chain. Typical order is direct HTTP, then Jina.
func NewChain(fetchers ...Fetcher) *Chain {
	return &Chain{fetchers: fetchers}
}

func (c *Chain) Name() string { return "chain" }

// Fetch returns the first successful document. When every fetcher fails and
// at least one failure was transient, the returned error is transient too so
// the caller can reschedule the record.
func (c *Chain) Fetch(ctx context.Context, targetURL string) (*Document, error) {
	if len(c.fetchers) == 0 {
		return nil, eris.New("scrape: no fetchers configured")
	}

	var (
		lastErr   error
		transient bool
	)
	for _, f := range c.fetchers {
		doc, err := f.Fetch(ctx, targetURL)
		if err == nil && doc != nil {
			return doc, nil
		}
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "scrape: fetch cancelled")
		}
		zap.L().Debug("scrape: fetcher failed, trying next",
			zap.String("fetcher", f.Name()),
			zap.String("url", targetURL),
			zap.Error(err),
		)
		if err == nil {
			err = eris.Errorf("scrape: %s returned no document", f.Name())
		}
		lastErr = err
		transient = transient || resilience.IsTransient(err)
	}

	err := eris.Wrapf(lastErr, "scrape: all fetchers failed for %s", targetURL)
	if transient {
		return nil, resilience.NewTransientError(err, 0)
	}
	return nil, err
}
