package synth

import (
	"context"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/cost"
	"github.com/sells-group/catalog-curator/internal/diff"
	"github.com/sells-group/catalog-curator/internal/metrics"
	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/scrape"
)

// ScrapeSource fetches the record's product page and extracts fields from it.
type ScrapeSource struct {
	fetcher     scrape.Fetcher
	urlTemplate string
	weights     *diff.Weights
	calc        *cost.Calculator
	extractor   *Extractor
}

// NewScrapeSource creates a scrape source. urlTemplate may reference {name},
// {brand} and {id}; it is used when the record has no url field.
func NewScrapeSource(fetcher scrape.Fetcher, urlTemplate string, weights *diff.Weights, calc *cost.Calculator) *ScrapeSource {
	if weights == nil {
		weights = diff.DefaultWeights()
	}
	if calc == nil {
		calc = cost.NewCalculator(cost.DefaultRates())
	}
	return &ScrapeSource{
		fetcher:     fetcher,
		urlTemplate: urlTemplate,
		weights:     weights,
		calc:        calc,
		extractor:   NewExtractor(),
	}
}

// Name implements Source.
func (s *ScrapeSource) Name() string { return diff.SourceScrape }

// Providers implements Source.
func (s *ScrapeSource) Providers(opts Options) []string {
	if !opts.allows(cost.ScrapeProvider) {
		return nil
	}
	return []string{cost.ScrapeProvider}
}

// Synthesize implements Source.
func (s *ScrapeSource) Synthesize(ctx context.Context, rec *model.Record, opts Options) (*Candidate, error) {
	if !opts.allows(cost.ScrapeProvider) {
		return nil, ErrNoProviders
	}
	target, err := s.ResolveURL(rec)
	if err != nil {
		return nil, err
	}

	doc, err := s.fetcher.Fetch(ctx, target)
	if err != nil {
		metrics.ProviderFailures.WithLabelValues(cost.ScrapeProvider).Inc()
		return nil, eris.Wrapf(err, "synth: scrape %s", target)
	}

	c := newCandidate(diff.SourceScrape)
	c.SourceURL = doc.URL
	if c.SourceURL == "" {
		c.SourceURL = target
	}
	c.Providers = []string{cost.ScrapeProvider}
	c.CostUSD = s.calc.Scrape()

	conf := s.weights.Reliability(diff.SourceScrape)
	for field, value := range s.extractor.Extract(doc) {
		c.set(field, value, conf, diff.SourceScrape)
	}

	zap.L().Debug("synth: scrape extracted",
		zap.String("record_id", rec.ID),
		zap.String("url", c.SourceURL),
		zap.String("fetcher", doc.Fetcher),
		zap.Int("fields", len(c.Fields)),
	)
	return c, nil
}

// ResolveURL returns the page to fetch for rec.
func (s *ScrapeSource) ResolveURL(rec *model.Record) (string, error) {
	if u, ok := rec.Get("url").(string); ok && isAbsHTTP(u) {
		return u, nil
	}
	if s.urlTemplate == "" {
		return "", eris.Wrapf(ErrNoSourceURL, "synth: record %s", rec.ID)
	}

	name, _ := rec.Get("name").(string)
	brand, _ := rec.Get("brand").(string)
	if strings.Contains(s.urlTemplate, "{name}") && strings.TrimSpace(name) == "" {
		return "", eris.Wrapf(ErrNoSourceURL, "synth: record %s has no name", rec.ID)
	}
	r := strings.NewReplacer(
		"{name}", url.QueryEscape(strings.TrimSpace(name)),
		"{brand}", url.QueryEscape(strings.TrimSpace(brand)),
		"{id}", url.QueryEscape(rec.ID),
	)
	u := r.Replace(s.urlTemplate)
	if !isAbsHTTP(u) {
		return "", eris.Wrapf(ErrNoSourceURL, "synth: template produced %q", u)
	}
	return u, nil
}

func isAbsHTTP(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
