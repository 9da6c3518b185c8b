package textgen

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/sells-group/catalog-curator/internal/resilience"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini generates text with the Google Gen AI SDK against the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates the Gemini backend.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, eris.New("gemini: api key required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &Gemini{client: client, model: orDefault(model, defaultGeminiModel)}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// Generate calls GenerateContent with a single text part.
func (g *Gemini) Generate(ctx context.Context, req Request) (*Generation, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, classifyGemini(err)
	}

	gen := &Generation{Text: resp.Text(), Model: g.model}
	if resp.UsageMetadata != nil {
		gen.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	if gen.Text == "" {
		return nil, eris.New("gemini: empty response")
	}
	return gen, nil
}

func classifyGemini(err error) error {
	wrapped := eris.Wrap(err, "gemini: generate content")
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if resilience.IsTransientHTTPStatus(apiErr.Code) {
			return resilience.NewTransientError(wrapped, apiErr.Code)
		}
		return wrapped
	}
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(wrapped, 0)
	}
	return wrapped
}
