package textgen

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-curator/internal/resilience"
)

const defaultAnthropicModel = "claude-haiku-4-5-20251001"

// Anthropic generates text with the Messages API.
type Anthropic struct {
	client sdk.Client
	model  string
}

// NewAnthropic creates the Anthropic backend. Extra request options (base
// URL, HTTP client) are passed through to the SDK.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) *Anthropic {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are owned by the registry.
		option.WithMaxRetries(0),
	}
	return &Anthropic{
		client: sdk.NewClient(append(base, opts...)...),
		model:  orDefault(model, defaultAnthropicModel),
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

// Generate sends one user message and concatenates the text blocks of the reply.
func (a *Anthropic) Generate(ctx context.Context, req Request) (*Generation, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
		Temperature: sdk.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropic(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return &Generation{
		Text:       sb.String(),
		TokensUsed: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		Model:      string(msg.Model),
	}, nil
}

func classifyAnthropic(err error) error {
	wrapped := eris.Wrap(err, "anthropic: create message")
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		// 529 is Anthropic's overloaded status.
		if resilience.IsTransientHTTPStatus(apiErr.StatusCode) || apiErr.StatusCode == 529 {
			return resilience.NewTransientError(wrapped, apiErr.StatusCode)
		}
		return wrapped
	}
	if resilience.IsTransient(err) {
		return resilience.NewTransientError(wrapped, 0)
	}
	return wrapped
}
