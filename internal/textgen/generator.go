// Package textgen wraps the text-generation backends used by the analysis
// source behind a single Generator interface.
package textgen

import (
	"context"
)

// Request is a single-turn generation request.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// Generation is a backend's reply.
type Generation struct {
	Text       string
	TokensUsed int
	Model      string
}

// Generator produces text from a prompt. Implementations return a
// resilience.TransientError for rate limits, overload and 5xx responses.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Generation, error)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
