// Package synth turns a baseline record into a merged candidate record by
// consulting external providers: a document scrape, one or more text
// generation backends, or both.
package synth

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-curator/internal/model"
	"github.com/sells-group/catalog-curator/internal/resilience"
)

var (
	// ErrAllProvidersFailed is returned when no provider produced a candidate.
	ErrAllProvidersFailed = eris.New("synth: all providers failed")
	// ErrNoSourceURL is returned when a record has no resolvable page URL.
	ErrNoSourceURL = eris.New("synth: no source url for record")
	// ErrUnsupportedMode is returned for modes with no provider composition.
	ErrUnsupportedMode = eris.New("synth: unsupported enhancement mode")
	// ErrNoProviders is returned when the allow-list excludes every provider.
	ErrNoProviders = eris.New("synth: no providers allowed")
)

// Candidate is a proposed version of a record with per-field confidence and
// attribution.
type Candidate struct {
	Source          string             `json:"source"`
	Fields          map[string]any     `json:"fields"`
	Confidence      map[string]float64 `json:"confidence"`
	Sources         map[string]string  `json:"sources"`
	Reasoning       map[string]string  `json:"reasoning,omitempty"`
	SourceURL       string             `json:"source_url,omitempty"`
	QualityScore    float64            `json:"quality_score,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Providers       []string           `json:"providers"`
	TokensUsed      int                `json:"tokens_used"`
	CostUSD         float64            `json:"cost_usd"`
	Errors          []string           `json:"errors,omitempty"`
}

func newCandidate(source string) *Candidate {
	return &Candidate{
		Source:     source,
		Fields:     make(map[string]any),
		Confidence: make(map[string]float64),
		Sources:    make(map[string]string),
		Reasoning:  make(map[string]string),
	}
}

// set records a field only when it beats the confidence already held.
func (c *Candidate) set(field string, value any, confidence float64, source string) bool {
	if cur, ok := c.Confidence[field]; ok && cur >= confidence {
		return false
	}
	c.Fields[field] = value
	c.Confidence[field] = confidence
	c.Sources[field] = source
	return true
}

// Empty reports whether the candidate carries no fields.
func (c *Candidate) Empty() bool {
	return c == nil || len(c.Fields) == 0
}

// MeanConfidence is the average per-field confidence, or zero when empty.
func (c *Candidate) MeanConfidence() float64 {
	if c.Empty() {
		return 0
	}
	var sum float64
	for f := range c.Fields {
		sum += c.Confidence[f]
	}
	return sum / float64(len(c.Fields))
}

// FieldNames returns the candidate's fields in sorted order.
func (c *Candidate) FieldNames() []string {
	names := make([]string, 0, len(c.Fields))
	for f := range c.Fields {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}

// Options scopes one synthesis call.
type Options struct {
	// Allow filters providers by name ("scrape" or a backend name). Nil
	// admits every provider.
	Allow func(name string) bool
}

func (o Options) allows(name string) bool {
	return o.Allow == nil || o.Allow(name)
}

// Source produces a candidate for a record. Implementations swallow partial
// provider failures into Candidate.Errors and return an error only when
// nothing usable was produced.
type Source interface {
	Name() string
	Synthesize(ctx context.Context, rec *model.Record, opts Options) (*Candidate, error)
	// Providers lists the provider names a call would use under opts, for
	// cost estimation.
	Providers(opts Options) []string
}

// allFailed aggregates provider errors. The result is transient when any
// underlying failure was, so the caller may retry the record later.
func allFailed(errs []error) error {
	msgs := make([]string, 0, len(errs))
	transient := false
	for _, err := range errs {
		if err == nil {
			continue
		}
		msgs = append(msgs, err.Error())
		if resilience.IsTransient(err) {
			transient = true
		}
	}
	err := eris.Wrap(ErrAllProvidersFailed, strings.Join(msgs, "; "))
	if transient {
		return resilience.NewTransientError(err, 0)
	}
	return err
}

// SpendError is a synthesis failure whose provider calls were still billed.
type SpendError struct {
	Err        error
	CostUSD    float64
	TokensUsed int
}

func (e *SpendError) Error() string { return e.Err.Error() }

func (e *SpendError) Unwrap() error { return e.Err }

// withSpend attaches billed cost to err. Zero spend leaves err as is.
func withSpend(err error, costUSD float64, tokens int) error {
	if err == nil || (costUSD <= 0 && tokens <= 0) {
		return err
	}
	return &SpendError{Err: err, CostUSD: costUSD, TokensUsed: tokens}
}

// Spent returns the billed cost and tokens carried by a synthesis error.
func Spent(err error) (float64, int) {
	var se *SpendError
	if errors.As(err, &se) {
		return se.CostUSD, se.TokensUsed
	}
	return 0, 0
}
