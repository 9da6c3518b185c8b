package synth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-curator/internal/diff"
	"github.com/sells-group/catalog-curator/internal/model"
)

// Hybrid runs several sources concurrently and merges their candidates.
// A field offered by more than one source keeps the most confident value and
// is attributed to "hybrid".
type Hybrid struct {
	parts []Source
}

// NewHybrid composes parts. Nil parts are ignored.
func NewHybrid(parts ...Source) *Hybrid {
	h := &Hybrid{}
	for _, p := range parts {
		if p != nil {
			h.parts = append(h.parts, p)
		}
	}
	return h
}

// Name implements Source.
func (h *Hybrid) Name() string { return diff.SourceHybrid }

// Providers implements Source.
func (h *Hybrid) Providers(opts Options) []string {
	var out []string
	for _, p := range h.parts {
		out = append(out, p.Providers(opts)...)
	}
	return out
}

// Synthesize implements Source. One part failing does not fail the others,
// and what a failed part was billed is added to the merged cost.
func (h *Hybrid) Synthesize(ctx context.Context, rec *model.Record, opts Options) (*Candidate, error) {
	results := make([]*Candidate, len(h.parts))
	errs := make([]error, len(h.parts))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range h.parts {
		g.Go(func() error {
			results[i], errs[i] = p.Synthesize(gctx, rec, opts)
			return nil
		})
	}
	_ = g.Wait()

	out := newCandidate(diff.SourceHybrid)
	touched := make(map[string]int)
	var (
		failures   []error
		lostCost   float64
		lostTokens int
	)
	ran := 0
	for i, p := range h.parts {
		if errors.Is(errs[i], ErrNoProviders) {
			continue
		}
		ran++
		if errs[i] != nil {
			zap.L().Warn("synth: hybrid part failed",
				zap.String("record_id", rec.ID),
				zap.String("source", p.Name()),
				zap.Error(errs[i]),
			)
			failures = append(failures, errs[i])
			spent, tokens := Spent(errs[i])
			lostCost += spent
			lostTokens += tokens
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", p.Name(), errs[i]))
			continue
		}
		mergeInto(out, results[i], touched)
	}

	if ran == 0 {
		return nil, ErrNoProviders
	}
	if len(failures) == ran {
		return nil, withSpend(allFailed(failures), lostCost, lostTokens)
	}
	out.CostUSD += lostCost
	out.TokensUsed += lostTokens

	for field, n := range touched {
		if n > 1 {
			out.Sources[field] = diff.SourceHybrid
		}
	}
	return out, nil
}

func mergeInto(dst, src *Candidate, touched map[string]int) {
	for _, field := range src.FieldNames() {
		touched[field]++
		if dst.set(field, src.Fields[field], src.Confidence[field], src.Sources[field]) {
			if why, ok := src.Reasoning[field]; ok {
				dst.Reasoning[field] = why
			} else {
				delete(dst.Reasoning, field)
			}
		}
	}
	if dst.SourceURL == "" {
		dst.SourceURL = src.SourceURL
	}
	if src.QualityScore > dst.QualityScore {
		dst.QualityScore = src.QualityScore
	}
	dst.Recommendations = append(dst.Recommendations, src.Recommendations...)
	dst.Providers = append(dst.Providers, src.Providers...)
	dst.TokensUsed += src.TokensUsed
	dst.CostUSD += src.CostUSD
	dst.Errors = append(dst.Errors, src.Errors...)
}
