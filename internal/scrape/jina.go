package scrape

import (
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
	jinaName           = "jina"
	defaultJinaBaseURL = "https://r.jina.ai"
)

type jinaResponse struct {
	Code int `json:"code"`
	Data struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"data"`
}

// JinaFetcher reads pages through the Jina Reader API, which renders
// JavaScript and bypasses most interstitials. Content comes back as markdown.
type JinaFetcher struct {
	apiKey  string
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
}

// NewJinaFetcher creates a Jina Reader fetcher. An empty baseURL selects the
// public endpoint.
func NewJinaFetcher(apiKey, baseURL string, maxRetries int) *JinaFetcher {
	if baseURL == "" {
		baseURL = defaultJinaBaseURL
	}
	cfg := resilience.RetryFromAttempts(maxRetries, time.Second)
	cfg.OnRetry = resilience.RetryLogger(jinaName, "read")
	return &JinaFetcher{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 45 * time.Second},
		retry:   cfg,
	}
}

func (j *JinaFetcher) Name() string { return jinaName }

// Fetch reads targetURL via the reader endpoint.
func (j *JinaFetcher) Fetch(ctx context.Context, targetURL string) (*Document, error) {
	return resilience.DoVal(ctx, j.retry, func(ctx context.Context) (*Document, error) {
		return j.read(ctx, targetURL)
	})
}

func (j *JinaFetcher) read(ctx context.Context, targetURL string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.baseURL+"/"+targetURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "jina: create request")
	}
	if j.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+j.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Return-Format", "markdown")

	resp, err := j.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "jina: request"), 0)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "jina: read body"), 0)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.StatusError(jinaName, resp.StatusCode, string(body))
	}

	var parsed jinaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal response")
	}
	if unusable(parsed) {
		return nil, eris.Wrapf(ErrBlocked, "jina: unusable content for %s", targetURL)
	}

	docURL := parsed.Data.URL
	if docURL == "" {
		docURL = targetURL
	}
	return &Document{
		URL:         docURL,
		Title:       parsed.Data.Title,
		Body:        parsed.Data.Content,
		ContentType: "text/markdown",
		StatusCode:  http.StatusOK,
		Fetcher:     jinaName,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

var challengeSignatures = []string{
	"checking your browser",
	"enable javascript",
	"please enable cookies",
	"access denied",
	"just a moment",
	"attention required",
}

// unusable reports whether a reader response is empty or a challenge page.
func unusable(r jinaResponse) bool {
	if r.Code != 0 && r.Code != http.StatusOK {
		return true
	}
	content := strings.TrimSpace(r.Data.Content)
	if len(content) < 100 {
		return true
	}
	if len(content) >= 1000 {
		return false
	}
	lower := strings.ToLower(content)
	for _, sig := range challengeSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
