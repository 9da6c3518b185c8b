// Package scrape fetches external product pages for the scrape source.
package scrape

import (
	"context"
	"time"
)

// Document is a fetched page.
type Document struct {
	URL         string    `json:"url"`
	Title       string    `json:"title,omitempty"`
	Body        string    `json:"body"`
	ContentType string    `json:"content_type,omitempty"`
	StatusCode  int       `json:"status_code"`
	Fetcher     string    `json:"fetcher"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// IsHTML reports whether the body is HTML rather than reader markdown.
func (d *Document) IsHTML() bool {
	return d.Fetcher != jinaName
}

// Fetcher retrieves a single URL. Implementations return a
// resilience.TransientError for failures worth retrying later.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, url string) (*Document, error)
}
