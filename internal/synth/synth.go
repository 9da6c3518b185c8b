package synth

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-curator/internal/metrics"
	"github.com/sells-group/catalog-curator/internal/model"
)

// Synthesizer dispatches an enhancement mode to its source composition.
type Synthesizer struct {
	scrape   Source
	analysis Source
	hybrid   Source
}

// New creates a synthesizer. Either source may be nil when its providers are
// not configured; hybrid mode then runs with what remains.
func New(scrape, analysis Source) *Synthesizer {
	return &Synthesizer{
		scrape:   scrape,
		analysis: analysis,
		hybrid:   NewHybrid(scrape, analysis),
	}
}

func (s *Synthesizer) source(mode model.EnhancementMode) (Source, error) {
	var src Source
	switch mode {
	case model.ModeScrape:
		src = s.scrape
	case model.ModeAnalysis:
		src = s.analysis
	case model.ModeHybrid:
		src = s.hybrid
	default:
		return nil, eris.Wrapf(ErrUnsupportedMode, "synth: mode %q", mode)
	}
	if src == nil {
		return nil, eris.Wrapf(ErrNoProviders, "synth: mode %q has no configured source", mode)
	}
	return src, nil
}

// Providers lists the providers a call in mode would use, for estimation.
func (s *Synthesizer) Providers(mode model.EnhancementMode, opts Options) []string {
	src, err := s.source(mode)
	if err != nil {
		return nil
	}
	return src.Providers(opts)
}

// Synthesize produces a candidate for rec in the given mode. A returned error
// means every provider failed; partial failures are listed in
// Candidate.Errors.
func (s *Synthesizer) Synthesize(ctx context.Context, rec *model.Record, mode model.EnhancementMode, opts Options) (*Candidate, error) {
	src, err := s.source(mode)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	c, err := src.Synthesize(ctx, rec, opts)
	metrics.SynthesisLatency.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	if err != nil {
		switch {
		case errors.Is(err, ErrAllProvidersFailed), errors.Is(err, ErrNoProviders),
			errors.Is(err, ErrNoSourceURL):
			return nil, err
		default:
			return nil, allFailed([]error{err})
		}
	}

	zap.L().Debug("synth: candidate ready",
		zap.String("record_id", rec.ID),
		zap.String("mode", string(mode)),
		zap.Int("fields", len(c.Fields)),
		zap.Float64("mean_confidence", c.MeanConfidence()),
		zap.Float64("cost_usd", c.CostUSD),
	)
	return c, nil
}
