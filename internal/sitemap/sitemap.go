// Package sitemap locates and parses a site's sitemap sources, including
// sitemap indexes and RSS/Atom feeds served behind Sitemap: directives.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
)

// ErrNoSitemap signals that no sitemap source yielded any usable entry,
// so the caller should fall back to link discovery.
var ErrNoSitemap = errors.New("no usable sitemap")

const (
	// defaultMaxDepth bounds sitemap-index recursion.
	defaultMaxDepth = 5
	// maxSitemapFetches caps the number of sitemap resources per run.
	maxSitemapFetches = 200
	maxSitemapBytes   = 32 << 20
)

// probePaths are tried in order when robots.txt declares no sitemap, or
// when the declared ones yield nothing.
var probePaths = []string{"/sitemap.xml", "/sitemap_index.xml", "/sitemap-index.xml"}

// Entry is one URL listed by a sitemap source.
type Entry struct {
	Loc      string
	LastMod  time.Time
	Priority float64
}

// Discoverer fetches and recursively parses sitemap resources.
type Discoverer struct {
	client    *http.Client
	userAgent string
	maxDepth  int
	logger    *zap.Logger
	feeds     *gofeed.Parser
}

// NewDiscoverer builds a Discoverer with the index recursion bound set to
// the default of 5 levels.
func NewDiscoverer(client *http.Client, userAgent string, logger *zap.Logger) *Discoverer {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Discoverer{
		client:    client,
		userAgent: userAgent,
		maxDepth:  defaultMaxDepth,
		logger:    logger,
		feeds:     gofeed.NewParser(),
	}
}

// Discover resolves all entries reachable from the declared sitemap URLs,
// then probes the well-known paths under base when none are declared or the
// declared sources all come up empty. Cyclic or over-deep indexes terminate
// silently; malformed resources are skipped. It returns ErrNoSitemap when
// every source comes up empty.
func (d *Discoverer) Discover(ctx context.Context, base *url.URL, declared []string) ([]Entry, error) {
	if len(declared) > 0 {
		if entries := d.walk(ctx, declared); len(entries) > 0 {
			return entries, nil
		}
		d.logger.Debug("declared sitemaps yielded no entries, probing well-known paths",
			zap.Strings("declared", declared))
	}

	for _, p := range probePaths {
		probe := url.URL{Scheme: base.Scheme, Host: base.Host, Path: p}
		entries := d.walk(ctx, []string{probe.String()})
		if len(entries) > 0 {
			return entries, nil
		}
	}
	return nil, ErrNoSitemap
}

type queued struct {
	loc   string
	depth int
}

// walk traverses sitemap resources breadth-first, bounded by depth and a
// visited set so cyclic indexes cannot loop.
func (d *Discoverer) walk(ctx context.Context, roots []string) []Entry {
	queue := make([]queued, 0, len(roots))
	for _, r := range roots {
		queue = append(queue, queued{loc: r})
	}
	visited := make(map[string]struct{})
	fetches := 0

	var entries []Entry
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return entries
		}
		current := queue[0]
		queue = queue[1:]

		if current.depth > d.maxDepth {
			d.logger.Debug("sitemap recursion bound reached", zap.String("url", current.loc))
			continue
		}
		if _, seen := visited[current.loc]; seen {
			continue
		}
		visited[current.loc] = struct{}{}
		if fetches >= maxSitemapFetches {
			d.logger.Warn("sitemap fetch cap reached", zap.Int("cap", maxSitemapFetches))
			break
		}
		fetches++

		data, err := d.fetch(ctx, current.loc)
		if err != nil {
			d.logger.Warn("sitemap fetch failed, skipping",
				zap.String("url", current.loc), zap.Error(err))
			continue
		}

		children, found, err := d.parse(data)
		if err != nil {
			d.logger.Warn("sitemap parse failed, skipping",
				zap.String("url", current.loc), zap.Error(err))
			continue
		}
		for _, child := range children {
			queue = append(queue, queued{loc: child, depth: current.depth + 1})
		}
		entries = append(entries, found...)
	}
	return entries
}

func (d *Discoverer) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new sitemap request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			d.logger.Debug("close sitemap body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitemap status %d", resp.StatusCode)
	}

	var reader io.Reader = io.LimitReader(resp.Body, maxSitemapBytes)
	if strings.HasSuffix(strings.ToLower(req.URL.Path), ".gz") {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("open gzip sitemap: %w", err)
		}
		defer gz.Close()
		reader = gz
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read sitemap body: %w", err)
	}
	return body, nil
}

// parse interprets data as a sitemap index, a URL set, or a feed, in that
// order. Child sitemap URLs and page entries are returned separately.
func (d *Discoverer) parse(data []byte) ([]string, []Entry, error) {
	var index sitemapIndex
	if err := xml.Unmarshal(data, &index); err == nil && len(index.Sitemaps) > 0 {
		var children []string
		for _, sm := range index.Sitemaps {
			if loc := strings.TrimSpace(sm.Loc); loc != "" {
				children = append(children, loc)
			}
		}
		return children, nil, nil
	}

	var set urlSet
	if err := xml.Unmarshal(data, &set); err == nil && len(set.URLs) > 0 {
		var entries []Entry
		for _, u := range set.URLs {
			loc := strings.TrimSpace(u.Loc)
			if loc == "" {
				continue
			}
			entry := Entry{Loc: loc, Priority: u.Priority}
			if t, ok := ParseLastMod(u.LastMod); ok {
				entry.LastMod = t
			}
			entries = append(entries, entry)
		}
		return nil, entries, nil
	}

	// Google accepts RSS and Atom feeds wherever a sitemap is expected.
	feed, err := d.feeds.Parse(bytes.NewReader(data))
	if err == nil && len(feed.Items) > 0 {
		var entries []Entry
		for _, item := range feed.Items {
			link := strings.TrimSpace(item.Link)
			if link == "" {
				continue
			}
			entry := Entry{Loc: link}
			if item.PublishedParsed != nil {
				entry.LastMod = *item.PublishedParsed
			}
			entries = append(entries, entry)
		}
		return nil, entries, nil
	}

	return nil, nil, errors.New("not a sitemap, sitemap index, or feed")
}

// ParseLastMod parses the W3C datetime forms allowed in sitemap lastmod.
func ParseLastMod(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04Z07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type sitemapIndex struct {
	XMLName  xml.Name       `xml:"sitemapindex"`
	Sitemaps []sitemapChild `xml:"sitemap"`
}

type sitemapChild struct {
	Loc string `xml:"loc"`
}

type urlSet struct {
	XMLName xml.Name   `xml:"urlset"`
	URLs    []urlEntry `xml:"url"`
}

type urlEntry struct {
	Loc      string  `xml:"loc"`
	LastMod  string  `xml:"lastmod"`
	Priority float64 `xml:"priority"`
}
