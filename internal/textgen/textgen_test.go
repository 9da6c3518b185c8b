package textgen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-curator/internal/cost"
	"github.com/sells-group/catalog-curator/internal/resilience"
)

type mockGenerator struct {
	mock.Mock
	name string
}

func (m *mockGenerator) Name() string { return m.name }

func (m *mockGenerator) Generate(ctx context.Context, req Request) (*Generation, error) {
	args := m.Called(ctx, req)
	if g := args.Get(0); g != nil {
		return g.(*Generation), args.Error(1)
	}
	return nil, args.Error(1)
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestRegistry_GeneratePricesAndTracks(t *testing.T) {
	t.Parallel()

	calc := cost.NewCalculator(cost.Rates{PerThousand: map[string]float64{"anthropic": 0.01}})
	reg := NewRegistry(calc, nil, fastRetry())
	g := &mockGenerator{name: "anthropic"}
	reg.Register(g)

	req := Request{Prompt: "p", MaxTokens: 100}
	g.On("Generate", mock.Anything, req).Return(&Generation{Text: "{}", TokensUsed: 1500, Model: "m"}, nil).Once()

	res, err := reg.Generate(context.Background(), "anthropic", req)
	require.NoError(t, err)
	assert.Equal(t, "{}", res.Text)
	assert.InDelta(t, 0.015, res.CostUSD, 1e-12)
	assert.Equal(t, []string{"anthropic"}, reg.Names())
	assert.True(t, reg.Has("anthropic"))

	usage := reg.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, int64(1500), usage[0].Tokens)
	g.AssertExpectations(t)
}

func TestRegistry_RetriesTransient(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil, fastRetry())
	g := &mockGenerator{name: "openai"}
	reg.Register(g)

	g.On("Generate", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("busy"), 503)).Once()
	g.On("Generate", mock.Anything, mock.Anything).
		Return(&Generation{Text: "ok", TokensUsed: 10}, nil).Once()

	res, err := reg.Generate(context.Background(), "openai", Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	g.AssertNumberOfCalls(t, "Generate", 2)
}

func TestRegistry_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil, fastRetry())
	g := &mockGenerator{name: "openai"}
	reg.Register(g)
	g.On("Generate", mock.Anything, mock.Anything).Return(nil, errors.New("invalid api key"))

	_, err := reg.Generate(context.Background(), "openai", Request{})
	require.Error(t, err)
	g.AssertNumberOfCalls(t, "Generate", 1)
}

func TestRegistry_UnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(nil, nil, fastRetry()).Generate(context.Background(), "nope", Request{})
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestRegistry_OpenCircuitShortCircuits(t *testing.T) {
	t.Parallel()

	breakers := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour})
	reg := NewRegistry(nil, breakers, resilience.RetryConfig{MaxAttempts: 1})
	g := &mockGenerator{name: "gemini"}
	reg.Register(g)
	g.On("Generate", mock.Anything, mock.Anything).Return(nil, errors.New("boom")).Once()

	_, err := reg.Generate(context.Background(), "gemini", Request{})
	require.Error(t, err)
	_, err = reg.Generate(context.Background(), "gemini", Request{})
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	g.AssertExpectations(t)
}

func TestPerplexity_Generate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer pk", r.Header.Get("Authorization"))

		var body pplxRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sonar", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, 512, body.MaxTokens)

		_, _ = w.Write([]byte(`{"model":"sonar","choices":[{"message":{"role":"assistant","content":"{\"enhanced_data\":{}}"}}],"usage":{"prompt_tokens":20,"completion_tokens":10}}`))
	}))
	defer srv.Close()

	p := NewPerplexity("pk", srv.URL, "")
	gen, err := p.Generate(context.Background(), Request{Prompt: "p", System: "s", MaxTokens: 512, Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, `{"enhanced_data":{}}`, gen.Text)
	assert.Equal(t, 30, gen.TokensUsed)
	assert.Equal(t, "perplexity", p.Name())
}

func TestPerplexity_RateLimitIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	_, err := NewPerplexity("pk", srv.URL, "").Generate(context.Background(), Request{Prompt: "p"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestOpenAI_Generate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`))
	}))
	defer srv.Close()

	o := NewOpenAI("sk-test", "", srv.URL+"/v1")
	gen, err := o.Generate(context.Background(), Request{Prompt: "hi", System: "sys", MaxTokens: 64})
	require.NoError(t, err)
	assert.Equal(t, "hello", gen.Text)
	assert.Equal(t, 8, gen.TokensUsed)
}

func TestOpenAI_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI("sk-test", "", srv.URL+"/v1").Generate(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestAnthropic_Generate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-test", body["model"])
		assert.NotNil(t, body["system"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"{\"quality_score\":0.8}"}],
			"stop_reason":"end_turn","usage":{"input_tokens":40,"output_tokens":12}}`))
	}))
	defer srv.Close()

	a := NewAnthropic("key", "claude-test", option.WithBaseURL(srv.URL))
	gen, err := a.Generate(context.Background(), Request{Prompt: "p", System: "s", MaxTokens: 256, Temperature: 0.3})
	require.NoError(t, err)
	assert.Equal(t, `{"quality_score":0.8}`, gen.Text)
	assert.Equal(t, 52, gen.TokensUsed)
}

func TestAnthropic_OverloadedIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()

	_, err := NewAnthropic("key", "", option.WithBaseURL(srv.URL)).Generate(context.Background(), Request{Prompt: "p", MaxTokens: 10})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestNewGemini_RequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewGemini(context.Background(), "", "")
	require.Error(t, err)
}
