package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-curator/internal/resilience"
)

const (
	defaultPerplexityBaseURL = "https://api.perplexity.ai"
	defaultPerplexityModel   = "sonar"
)

type pplxMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type pplxRequest struct {
	Model       string        `json:"model"`
	Messages    []pplxMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type pplxResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message pplxMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Perplexity calls the Perplexity chat completions endpoint. Its search
// grounding makes it useful for release year and perfumer attribution.
type Perplexity struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewPerplexity creates the Perplexity backend.
func NewPerplexity(apiKey, baseURL, model string) *Perplexity {
	return &Perplexity{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(orDefault(baseURL, defaultPerplexityBaseURL), "/"),
		model:   orDefault(model, defaultPerplexityModel),
		http: &http.Client{
			Timeout: 90 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (p *Perplexity) Name() string { return "perplexity" }

// Generate posts a chat completion and returns the first choice.
func (p *Perplexity) Generate(ctx context.Context, req Request) (*Generation, error) {
	msgs := make([]pplxMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, pplxMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, pplxMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(pplxRequest{
		Model:       p.model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "perplexity: send request"), 0)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "perplexity: read response"), 0)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.StatusError("perplexity", resp.StatusCode, string(respBody))
	}

	var parsed pplxResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, eris.Wrap(err, "perplexity: unmarshal response")
	}
	if len(parsed.Choices) == 0 {
		return nil, eris.New("perplexity: no choices returned")
	}

	tokens := parsed.Usage.TotalTokens
	if tokens == 0 {
		tokens = parsed.Usage.PromptTokens + parsed.Usage.CompletionTokens
	}
	return &Generation{
		Text:       parsed.Choices[0].Message.Content,
		TokensUsed: tokens,
		Model:      orDefault(parsed.Model, p.model),
	}, nil
}
