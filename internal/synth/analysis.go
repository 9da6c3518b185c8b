package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/catalog-curator/internal/diff"
	"github.com/sells-group/catalog-curator/internal/metrics"
	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/textgen"
)

// Generator routes a request to a named text-generation backend.
// *textgen.Registry satisfies it.
type Generator interface {
	Generate(ctx context.Context, name string, req textgen.Request) (*textgen.Result, error)
}

// AnalysisConfig tunes the analysis source.
type AnalysisConfig struct {
	Backends    []string
	MaxTokens   int
	Temperature float64
}

// AnalysisSource asks one or more text-generation backends to improve a
// record and merges their structured replies.
type AnalysisSource struct {
	gen     Generator
	cfg     AnalysisConfig
	weights *diff.Weights
}

// NewAnalysisSource creates an analysis source over the named backends.
func NewAnalysisSource(gen Generator, cfg AnalysisConfig, weights *diff.Weights) *AnalysisSource {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	if weights == nil {
		weights = diff.DefaultWeights()
	}
	return &AnalysisSource{gen: gen, cfg: cfg, weights: weights}
}

// Name implements Source.
func (a *AnalysisSource) Name() string { return diff.SourceAnalysis }

// Providers implements Source.
func (a *AnalysisSource) Providers(opts Options) []string {
	var out []string
	for _, b := range a.cfg.Backends {
		if opts.allows(b) {
			out = append(out, b)
		}
	}
	return out
}

const analysisSystemPrompt = `You are a fragrance catalog editor. You receive one catalog record as JSON and improve it.

Rules:
- Fill in missing fields and correct wrong ones only when you are confident
- Never remove information; omit a field instead of returning an empty value
- Notes, accords, perfumers and tags are JSON arrays of strings
- gender is one of male, female, unisex
- concentration is one of parfum, extrait, edp, edt, edc, cologne, oil
- rating, longevity and sillage are numbers from 0 to 5
- year is a four digit number
- Confidence is 0.0-1.0 per field, based on how sure you are of that value
- Return valid JSON only, no commentary`

type analysisReply struct {
	EnhancedData    map[string]any     `json:"enhanced_data"`
	Confidence      map[string]float64 `json:"confidence"`
	Reasoning       map[string]string  `json:"reasoning"`
	QualityScore    float64            `json:"quality_score"`
	Recommendations []string           `json:"recommendations"`
}

// buildAnalysisPrompt renders the user prompt for rec.
func buildAnalysisPrompt(rec *model.Record) (string, error) {
	data, err := json.MarshalIndent(rec.Snapshot(), "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "synth: marshal record for prompt")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Record %s:\n%s\n\n", rec.ID, data))
	sb.WriteString("Known fields: ")
	sb.WriteString(strings.Join(model.KnownFields, ", "))
	sb.WriteString(`

Respond with a JSON object of this shape:
{
  "enhanced_data": {"<field>": <value>},
  "confidence": {"<field>": 0.0},
  "reasoning": {"<field>": "<why this value>"},
  "quality_score": 0.0,
  "recommendations": ["<follow-up for a human editor>"]
}`)
	return sb.String(), nil
}

// parseAnalysisReply decodes a backend reply, tolerating code fences and
// surrounding prose.
func parseAnalysisReply(text string) (*analysisReply, error) {
	var r analysisReply
	if err := json.Unmarshal([]byte(cleanJSON(text)), &r); err != nil {
		return nil, eris.Wrap(err, "synth: parse analysis reply")
	}
	if r.EnhancedData == nil {
		return nil, eris.New("synth: analysis reply has no enhanced_data")
	}
	return &r, nil
}

// Synthesize implements Source. Backends run in parallel; a backend that
// errors or returns an unparseable reply is dropped from the merge. When no
// backend replies usefully the error still carries what was billed.
func (a *AnalysisSource) Synthesize(ctx context.Context, rec *model.Record, opts Options) (*Candidate, error) {
	backends := a.Providers(opts)
	if len(backends) == 0 {
		return nil, ErrNoProviders
	}

	prompt, err := buildAnalysisPrompt(rec)
	if err != nil {
		return nil, err
	}
	req := textgen.Request{
		System:      analysisSystemPrompt,
		Prompt:      prompt,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	}

	type outcome struct {
		backend string
		result  *textgen.Result
		reply   *analysisReply
		err     error
	}
	outcomes := make([]outcome, len(backends))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		g.Go(func() error {
			o := outcome{backend: b}
			o.result, o.err = a.gen.Generate(gctx, b, req)
			if o.err == nil {
				o.reply, o.err = parseAnalysisReply(o.result.Text)
			}
			outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()

	c := newCandidate(diff.SourceAnalysis)
	base := a.weights.Reliability(diff.SourceAnalysis)
	var (
		errs    []error
		quality float64
		replied int
		recs    = map[string]bool{}
		log     = zap.L().With(zap.String("record_id", rec.ID))
	)
	for _, o := range outcomes {
		if o.result != nil {
			c.TokensUsed += o.result.TokensUsed
			c.CostUSD += o.result.CostUSD
		}
		if o.err != nil {
			metrics.ProviderFailures.WithLabelValues(o.backend).Inc()
			log.Warn("synth: analysis backend failed",
				zap.String("backend", o.backend), zap.Error(o.err))
			errs = append(errs, eris.Wrapf(o.err, "synth: backend %s", o.backend))
			c.Errors = append(c.Errors, fmt.Sprintf("%s: %v", o.backend, o.err))
			continue
		}

		replied++
		c.Providers = append(c.Providers, o.backend)
		quality += o.reply.QualityScore
		for _, r := range o.reply.Recommendations {
			if r = strings.TrimSpace(r); r != "" && !recs[r] {
				recs[r] = true
				c.Recommendations = append(c.Recommendations, r)
			}
		}
		for field, value := range o.reply.EnhancedData {
			if !model.IsKnownField(field) || model.IsSystemField(field) || value == nil {
				continue
			}
			conf := base
			if v, ok := o.reply.Confidence[field]; ok {
				conf = clamp01(v)
			}
			if c.set(field, value, conf, diff.SourceAnalysis) {
				if why := o.reply.Reasoning[field]; why != "" {
					c.Reasoning[field] = why
				} else {
					delete(c.Reasoning, field)
				}
			}
		}
	}

	if replied == 0 {
		return nil, withSpend(allFailed(errs), c.CostUSD, c.TokensUsed)
	}
	c.QualityScore = quality / float64(replied)
	return c, nil
}

// cleanJSON strips markdown fences and extracts the outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
