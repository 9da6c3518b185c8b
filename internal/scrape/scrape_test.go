package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/catalog-curator/internal/resilience"
)

const productPage = `<html><head><title> Sauvage Dior for men </title></head>
<body><h1>Sauvage</h1><p>A fresh spicy fragrance.</p></body></html>`

func TestHTTPFetcher_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "curator-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(productPage))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{UserAgent: "curator-test", RatePerSec: 100})
	doc, err := f.Fetch(context.Background(), srv.URL+"/perfume/1")
	require.NoError(t, err)
	assert.Equal(t, "Sauvage Dior for men", doc.Title)
	assert.Equal(t, http.StatusOK, doc.StatusCode)
	assert.Equal(t, "http", doc.Fetcher)
	assert.True(t, doc.IsHTML())
	assert.Contains(t, doc.Body, "fresh spicy")
}

func TestHTTPFetcher_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(productPage))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{MaxRetries: 2, RatePerSec: 100})
	doc, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Body)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPFetcher_NotFoundIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{MaxRetries: 3, RatePerSec: 100})
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPFetcher_Blocked(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cf-Ray", "abc123")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{RatePerSec: 100})
	_, err := f.Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrBlocked)
}

func TestHTTPFetcher_InvalidURL(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPFetcher(HTTPOptions{}).Fetch(context.Background(), "not a url")
	require.Error(t, err)
}

func TestHostLimiter_Adapts(t *testing.T) {
	t.Parallel()

	lim := newHostLimiter(4)
	lim.onRateLimit("example.com")
	assert.Equal(t, rate.Limit(2), lim.limit())
	lim.onRateLimit("example.com")
	lim.onRateLimit("example.com")
	assert.Equal(t, rate.Limit(1), lim.limit())
	for i := 0; i < 20; i++ {
		lim.onSuccess()
	}
	assert.Equal(t, rate.Limit(8), lim.limit())
}

func TestJinaFetcher(t *testing.T) {
	t.Parallel()

	content := "# Sauvage\n\n" + strings.Repeat("Top notes: Bergamot, Pepper. ", 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer jina-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/https://www.example.com/perfume/1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":200,"data":{"title":"Sauvage","url":"https://www.example.com/perfume/1","content":` +
			jsonString(content) + `}}`))
	}))
	defer srv.Close()

	f := NewJinaFetcher("jina-key", srv.URL, 0)
	doc, err := f.Fetch(context.Background(), "https://www.example.com/perfume/1")
	require.NoError(t, err)
	assert.Equal(t, "Sauvage", doc.Title)
	assert.Equal(t, "jina", doc.Fetcher)
	assert.False(t, doc.IsHTML())
}

func TestJinaFetcher_ChallengePage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"data":{"content":"Just a moment... checking your browser before accessing the site. This can take a few seconds to complete."}}`))
	}))
	defer srv.Close()

	_, err := NewJinaFetcher("", srv.URL, 0).Fetch(context.Background(), "https://x.example.com")
	require.ErrorIs(t, err, ErrBlocked)
}

type stubFetcher struct {
	name string
	doc  *Document
	err  error
	hits int
}

func (s *stubFetcher) Name() string { return s.name }

func (s *stubFetcher) Fetch(_ context.Context, _ string) (*Document, error) {
	s.hits++
	return s.doc, s.err
}

func TestChain_FallsBack(t *testing.T) {
	t.Parallel()

	first := &stubFetcher{name: "http", err: ErrBlocked}
	second := &stubFetcher{name: "jina", doc: &Document{Body: "ok", Fetcher: "jina"}}

	doc, err := NewChain(first, second).Fetch(context.Background(), "https://x.example.com")
	require.NoError(t, err)
	assert.Equal(t, "jina", doc.Fetcher)
	assert.Equal(t, 1, first.hits)
}

func TestChain_TransientWhenAnyFailureTransient(t *testing.T) {
	t.Parallel()

	first := &stubFetcher{name: "http", err: resilience.NewTransientError(errors.New("timeout"), 504)}
	second := &stubFetcher{name: "jina", err: ErrBlocked}

	_, err := NewChain(first, second).Fetch(context.Background(), "https://x.example.com")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "all fetchers failed")
}

func TestChain_PermanentFailure(t *testing.T) {
	t.Parallel()

	only := &stubFetcher{name: "http", err: ErrBlocked}
	_, err := NewChain(only).Fetch(context.Background(), "https://x.example.com")
	require.ErrorIs(t, err, ErrBlocked)
	assert.False(t, resilience.IsTransient(err))

	_, err = NewChain().Fetch(context.Background(), "https://x.example.com")
	require.Error(t, err)
}

func TestDetectBlock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		header http.Header
		body   string
		want   BlockType
	}{
		{"cloudflare header", 403, http.Header{"Cf-Ray": {"x"}}, "", BlockCloudflare},
		{"cloudflare server", 503, http.Header{"Server": {"cloudflare"}}, "", BlockCloudflare},
		{"captcha", 200, http.Header{}, "<div class=\"g-recaptcha\"></div>", BlockCaptcha},
		{"js shell", 200, http.Header{}, "<noscript>Enable JavaScript</noscript>", BlockJSShell},
		{"denied", 200, http.Header{}, "Access Denied", BlockDenied},
		{"clean", 200, http.Header{}, productPage, BlockNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DetectBlock(tt.status, tt.header, []byte(tt.body)))
		})
	}
}

func jsonString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}
