package scrape

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-curator/internal/resilience"
)

const (
	httpName     = "http"
	maxBodyBytes = 2 << 20
)

// ErrBlocked is returned when a page is an anti-bot interstitial.
var ErrBlocked = eris.New("scrape: blocked")

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	RatePerSec float64
	Client     *http.Client
}

// hostLimiter wraps a rate.Limiter that halves on 429 and recovers by 20% per
// success, bounded to [initial/4, initial*2].
type hostLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	initial rate.Limit
	current rate.Limit
}

func newHostLimiter(r rate.Limit) *hostLimiter {
	burst := int(r)
	if burst < 1 {
		burst = 1
	}
	return &hostLimiter{limiter: rate.NewLimiter(r, burst), initial: r, current: r}
}

func (h *hostLimiter) Wait(ctx context.Context) error {
	return h.limiter.Wait(ctx)
}

func (h *hostLimiter) onSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = min(h.current*1.2, h.initial*2)
	h.limiter.SetLimit(h.current)
}

func (h *hostLimiter) onRateLimit(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = max(h.current*0.5, h.initial/4)
	h.limiter.SetLimit(h.current)
	zap.L().Warn("scrape: rate limited, slowing host",
		zap.String("host", host),
		zap.Float64("rate", float64(h.current)),
	)
}

func (h *hostLimiter) limit() rate.Limit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// HTTPFetcher fetches pages directly with per-host rate limiting and retry.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*hostLimiter
}

// NewHTTPFetcher creates an HTTPFetcher, filling zero options with defaults.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 1
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "catalog-curator/1.0"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &HTTPFetcher{client: client, opts: opts, limiters: make(map[string]*hostLimiter)}
}

func (f *HTTPFetcher) Name() string { return httpName }

func (f *HTTPFetcher) limiterFor(host string) *hostLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = newHostLimiter(rate.Limit(f.opts.RatePerSec))
		f.limiters[host] = lim
	}
	return lim
}

// Fetch retrieves rawURL, retrying transient failures.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, eris.Errorf("scrape: invalid url %q", rawURL)
	}
	lim := f.limiterFor(u.Host)

	cfg := resilience.RetryFromAttempts(f.opts.MaxRetries, time.Second)
	cfg.OnRetry = resilience.RetryLogger(httpName, "fetch")
	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Document, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "scrape: rate limiter wait")
		}
		return f.fetchOnce(ctx, rawURL, u.Host, lim)
	})
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context, rawURL, host string, lim *hostLimiter) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "scrape: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "scrape: get %s", rawURL), 0)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "scrape: read body"), 0)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		lim.onRateLimit(host)
	}
	if bt := DetectBlock(resp.StatusCode, resp.Header, body); bt != BlockNone {
		return nil, eris.Wrapf(ErrBlocked, "scrape: %s returned %s", host, bt)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resilience.StatusError(httpName, resp.StatusCode, string(body))
	}
	lim.onSuccess()

	return &Document{
		URL:         resp.Request.URL.String(),
		Title:       extractTitle(body),
		Body:        string(body),
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
		Fetcher:     httpName,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

var titleRe = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

func extractTitle(body []byte) string {
	m := titleRe.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(string(m[1]))
}
