// Package spider orchestrates one crawl run: discovery, scheduling,
// fetching, extraction, and JSONL emission.
package spider

import (
	"time"

	"github.com/visibilitylab/sitespider/internal/structured"
)

// Discovery modes reported in the run summary.
const (
	ModeSitemap = "sitemap"
	ModeLink    = "link"
)

// PageRecord is one line of crawl output. URL is always the canonical
// identity of the page.
// The url, title, text, status, content_type, and fetched_at keys appear
// on every line, even when their values are empty; downstream consumers
// key on their presence.
type PageRecord struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Text        string    `json:"text"`
	Status      int       `json:"status"`
	ContentType string    `json:"content_type"`
	FetchedAt   time.Time `json:"fetched_at"`
	// SitemapLastMod is advisory freshness metadata carried over from the
	// sitemap entry that discovered this page.
	SitemapLastMod *time.Time      `json:"sitemap_lastmod,omitempty"`
	StructuredData structured.Data `json:"structured_data,omitempty"`
	// CanonicalOf carries a declared canonical that scope rules overrode.
	CanonicalOf string `json:"canonical_of,omitempty"`
}

// Sink receives finished records. *output.Writer satisfies it.
type Sink interface {
	Emit(record any) error
}

// Summary aggregates the outcome of one run.
type Summary struct {
	Seed       string        `json:"seed"`
	Mode       string        `json:"mode"`
	Discovered int           `json:"discovered"`
	Fetched    int           `json:"fetched"`
	Emitted    int           `json:"emitted"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Elapsed    time.Duration `json:"elapsed"`
}
