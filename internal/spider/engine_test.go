package spider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/visibilitylab/sitespider/internal/fetch"
	"github.com/visibilitylab/sitespider/internal/policy"
	"github.com/visibilitylab/sitespider/internal/robots"
	"github.com/visibilitylab/sitespider/internal/sitemap"
	"github.com/visibilitylab/sitespider/internal/urlnorm"
)

// captureSink collects emitted records for assertions.
type captureSink struct {
	mu      sync.Mutex
	records []PageRecord
}

func (s *captureSink) Emit(record any) error {
	rec, ok := record.(PageRecord)
	if !ok {
		return fmt.Errorf("unexpected record type %T", record)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) all() []PageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PageRecord(nil), s.records...)
}

func (s *captureSink) byURL(url string) (PageRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.URL == url {
			return rec, true
		}
	}
	return PageRecord{}, false
}

type route struct {
	status      int
	contentType string
	body        string
}

// testSite is an httptest-backed origin whose routes can be filled in after
// the server URL is known, and which counts requests per path.
type testSite struct {
	srv    *httptest.Server
	mu     sync.Mutex
	hits   map[string]int
	routes map[string]route
}

func newTestSite(t *testing.T) *testSite {
	t.Helper()
	site := &testSite{
		hits:   make(map[string]int),
		routes: make(map[string]route),
	}
	site.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site.mu.Lock()
		site.hits[r.URL.Path]++
		rt, ok := site.routes[r.URL.Path]
		site.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		ct := rt.contentType
		if ct == "" {
			ct = "text/html; charset=utf-8"
		}
		w.Header().Set("Content-Type", ct)
		status := rt.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		fmt.Fprint(w, rt.body)
	}))
	t.Cleanup(site.srv.Close)
	return site
}

func (s *testSite) set(path string, rt route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[path] = rt
}

func (s *testSite) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func htmlPage(title, extraHead, main string) string {
	return fmt.Sprintf(`<html><head><title>%s</title>%s</head>
<body><nav><a href="/">Home</a></nav>
<article>%s</article>
<footer>All rights reserved.</footer></body></html>`, title, extraHead, main)
}

const longPara = `<p>The committee reviewed quarterly figures across every region and
concluded that demand for household staples had stayed remarkably stable despite
the unusual weather, which analysts had expected to depress in-store traffic.</p>`

func testPolicy() policy.Policy {
	p := policy.Default()
	p.CrawlDelayFloor = 0
	p.MaxRetries = 0
	p.MaxDepth = 2
	p.MaxPages = 50
	p.Concurrency = 2
	p.RequestTimeout = 5 * time.Second
	p.UserAgent = "sitespider-test/1.0"
	return p
}

func newTestEngine(t *testing.T, p policy.Policy, sink Sink) *Engine {
	t.Helper()
	e, err := New(p, sink, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestRunSitemapMode(t *testing.T) {
	site := newTestSite(t)
	base := site.srv.URL

	site.set("/robots.txt", route{
		contentType: "text/plain",
		body:        fmt.Sprintf("User-agent: *\nAllow: /\nSitemap: %s/sitemap.xml\n", base),
	})
	site.set("/sitemap.xml", route{
		contentType: "application/xml",
		body: fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/</loc></url>
  <url><loc>%s/products</loc><lastmod>2026-03-01</lastmod></url>
  <url><loc>%s/about</loc><priority>0.5</priority></url>
</urlset>`, base, base, base),
	})
	site.set("/", route{body: htmlPage("Home", "", longPara)})
	site.set("/products", route{body: htmlPage("Products", "", longPara+longPara)})
	site.set("/about", route{body: htmlPage("About Us", "", longPara)})

	sink := &captureSink{}
	engine := newTestEngine(t, testPolicy(), sink)

	summary, err := engine.Run(context.Background(), base)
	require.NoError(t, err)

	assert.Equal(t, ModeSitemap, summary.Mode)
	assert.Equal(t, 3, summary.Emitted)
	assert.Equal(t, 0, summary.Failed)

	records := sink.all()
	require.Len(t, records, 3)
	seen := make(map[string]int)
	for _, rec := range records {
		seen[rec.URL]++
		assert.Equal(t, http.StatusOK, rec.Status)
		assert.NotEmpty(t, rec.Title)
		assert.NotEmpty(t, rec.Text)
		assert.False(t, rec.FetchedAt.IsZero())
	}
	for url, n := range seen {
		assert.Equalf(t, 1, n, "url %s emitted %d times", url, n)
	}

	products, ok := sink.byURL(base + "/products")
	require.True(t, ok)
	require.NotNil(t, products.SitemapLastMod)
	assert.Equal(t, 2026, products.SitemapLastMod.Year())
	assert.Equal(t, "Products", products.Title)
}

func TestRunRobotsDisallowedNeverFetched(t *testing.T) {
	site := newTestSite(t)
	base := site.srv.URL

	site.set("/robots.txt", route{
		contentType: "text/plain",
		body:        fmt.Sprintf("User-agent: *\nDisallow: /private/\nSitemap: %s/sitemap.xml\n", base),
	})
	site.set("/sitemap.xml", route{
		contentType: "application/xml",
		body: fmt.Sprintf(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/public</loc></url>
  <url><loc>%s/private/secret</loc></url>
</urlset>`, base, base),
	})
	site.set("/public", route{body: htmlPage("Public", "", longPara)})
	site.set("/private/secret", route{body: htmlPage("Secret", "", longPara)})

	sink := &captureSink{}
	engine := newTestEngine(t, testPolicy(), sink)

	summary, err := engine.Run(context.Background(), base)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Emitted)
	assert.Equal(t, 0, site.hitCount("/private/secret"), "disallowed path must never be requested")
	_, ok := sink.byURL(base + "/public")
	assert.True(t, ok)
}

func TestRunLinkModeFallback(t *testing.T) {
	site := newTestSite(t)
	base := site.srv.URL

	site.set("/robots.txt", route{
		contentType: "text/plain",
		body:        "User-agent: *\nDisallow: /private/\n",
	})
	site.set("/", route{body: htmlPage("Home", "", longPara+
		`<p><a href="/b">B</a> <a href="/c">C</a> <a href="/b">B again</a>
<a href="/private/x">hidden</a> <a href="https://elsewhere.example/">external</a>
<a href="mailto:team@example.com">mail</a></p>`)})
	site.set("/b", route{body: htmlPage("Page B", "", longPara)})
	site.set("/c", route{body: htmlPage("Page C", "", longPara)})
	site.set("/private/x", route{body: htmlPage("Hidden", "", longPara)})

	sink := &captureSink{}
	engine := newTestEngine(t, testPolicy(), sink)

	summary, err := engine.Run(context.Background(), base)
	require.NoError(t, err)

	assert.Equal(t, ModeLink, summary.Mode)
	assert.Equal(t, 3, summary.Emitted)
	assert.Equal(t, 0, site.hitCount("/private/x"))
	assert.Equal(t, 1, site.hitCount("/b"), "duplicate links collapse to one fetch")
}

func TestRunLinkModeDepthBound(t *testing.T) {
	site := newTestSite(t)
	base := site.srv.URL

	site.set("/", route{body: htmlPage("Root", "", `<p><a href="/level1">down</a></p>`+longPara)})
	site.set("/level1", route{body: htmlPage("L1", "", `<p><a href="/level2">down</a></p>`+longPara)})
	site.set("/level2", route{body: htmlPage("L2", "", longPara)})

	p := testPolicy()
	p.MaxDepth = 1
	sink := &captureSink{}
	engine := newTestEngine(t, p, sink)

	summary, err := engine.Run(context.Background(), base)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Emitted)
	assert.Equal(t, 0, site.hitCount("/level2"), "links past max depth must not be followed")
}

func TestRunCanonicalMerge(t *testing.T) {
	site := newTestSite(t)
	base := site.srv.URL

	site.set("/robots.txt", route{
		contentType: "text/plain",
		body:        fmt.Sprintf("User-agent: *\nSitemap: %s/sitemap.xml\n", base),
	})
	site.set("/sitemap.xml", route{
		contentType: "application/xml",
		body: fmt.Sprintf(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/real</loc></url>
  <url><loc>%s/alias</loc></url>
</urlset>`, base, base),
	})
	canonical := fmt.Sprintf(`<link rel="canonical" href="%s/real">`, base)
	site.set("/real", route{body: htmlPage("Real", canonical, longPara)})
	site.set("/alias", route{body: htmlPage("Alias", canonical, longPara)})

	sink := &captureSink{}
	engine := newTestEngine(t, testPolicy(), sink)

	summary, err := engine.Run(context.Background(), base)
	require.NoError(t, err)

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, base+"/real", records[0].URL)
	assert.Equal(t, 1, summary.Emitted)
	assert.Equal(t, 1, summary.Skipped)
}

func TestRunCanonicalRequeue(t *testing.T) {
	site := newTestSite(t)
	base := site.srv.URL

	site.set("/robots.txt", route{
		contentType: "text/plain",
		body:        fmt.Sprintf("User-agent: *\nSitemap: %s/sitemap.xml\n", base),
	})
	site.set("/sitemap.xml", route{
		contentType: "application/xml",
		body: fmt.Sprintf(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/draft</loc></url>
</urlset>`, base),
	})
	site.set("/draft", route{body: htmlPage("Draft", fmt.Sprintf(`<link rel="canonical" href="%s/final">`, base), longPara)})
	site.set("/final", route{body: htmlPage("Final", "", longPara)})

	sink := &captureSink{}
	engine := newTestEngine(t, testPolicy(), sink)

	summary, err := engine.Run(context.Background(), base)
	require.NoError(t, err)

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, base+"/final", records[0].URL)
	assert.Equal(t, "Final", records[0].Title)
	assert.Equal(t, 1, site.hitCount("/final"), "canonical target fetched once via requeue")
	assert.Equal(t, 1, summary.Emitted)
}

func TestRunCanonicalOutOfScope(t *testing.T) {
	site := newTestSite(t)
	base := site.srv.URL

	site.set("/robots.txt", route{
		contentType: "text/plain",
		body:        fmt.Sprintf("User-agent: *\nSitemap: %s/sitemap.xml\n", base),
	})
	site.set("/sitemap.xml", route{
		contentType: "application/xml",
		body: fmt.Sprintf(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/syndicated</loc></url>
</urlset>`, base),
	})
	site.set("/syndicated", route{body: htmlPage("Syndicated",
		`<link rel="canonical" href="https://cdn.publisher.example/syndicated">`, longPara)})

	sink := &captureSink{}
	engine := newTestEngine(t, testPolicy(), sink)

	_, err := engine.Run(context.Background(), base)
	require.NoError(t, err)

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, base+"/syndicated", records[0].URL)
	assert.Equal(t, "https://cdn.publisher.example/syndicated", records[0].CanonicalOf)
}

func TestRunTrailingSlashIdentity(t *testing.T) {
	site := newTestSite(t)
	base := site.srv.URL

	site.set("/robots.txt", route{
		contentType: "text/plain",
		body:        fmt.Sprintf("User-agent: *\nSitemap: %s/sitemap.xml\n", base),
	})
	site.set("/sitemap.xml", route{
		contentType: "application/xml",
		body: fmt.Sprintf(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/a</loc></url>
  <url><loc>%s/a/</loc></url>
</urlset>`, base, base),
	})
	site.set("/a", route{body: htmlPage("A", "", longPara)})

	sink := &captureSink{}
	engine := newTestEngine(t, testPolicy(), sink)

	summary, err := engine.Run(context.Background(), base)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Emitted)
	assert.Equal(t, 1, site.hitCount("/a"), "slash variants are one identity and one fetch")
}

func TestRunMaxPages(t *testing.T) {
	site := newTestSite(t)
	base := site.srv.URL

	var locs string
	for i := 0; i < 6; i++ {
		path := fmt.Sprintf("/page%d", i)
		locs += fmt.Sprintf("<url><loc>%s%s</loc></url>", base, path)
		site.set(path, route{body: htmlPage(fmt.Sprintf("Page %d", i), "", longPara)})
	}
	site.set("/robots.txt", route{
		contentType: "text/plain",
		body:        fmt.Sprintf("User-agent: *\nSitemap: %s/sitemap.xml\n", base),
	})
	site.set("/sitemap.xml", route{
		contentType: "application/xml",
		body:        `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">` + locs + `</urlset>`,
	})

	p := testPolicy()
	p.MaxPages = 2
	p.Concurrency = 1
	sink := &captureSink{}
	engine := newTestEngine(t, p, sink)

	summary, err := engine.Run(context.Background(), base)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Emitted)
	assert.Equal(t, 6, summary.Discovered)
}

func TestRunFailedPageEmitted(t *testing.T) {
	site := newTestSite(t)
	base := site.srv.URL

	site.set("/robots.txt", route{
		contentType: "text/plain",
		body:        fmt.Sprintf("User-agent: *\nSitemap: %s/sitemap.xml\n", base),
	})
	site.set("/sitemap.xml", route{
		contentType: "application/xml",
		body: fmt.Sprintf(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/gone</loc></url>
</urlset>`, base),
	})
	site.set("/gone", route{status: http.StatusGone, body: "gone"})

	sink := &captureSink{}
	engine := newTestEngine(t, testPolicy(), sink)

	summary, err := engine.Run(context.Background(), base)
	require.NoError(t, err)

	records := sink.all()
	require.Len(t, records, 1)
	assert.Equal(t, http.StatusGone, records[0].Status)
	assert.Empty(t, records[0].Text)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Emitted)
}

func TestRunMalformedSeed(t *testing.T) {
	sink := &captureSink{}
	engine := newTestEngine(t, testPolicy(), sink)

	_, err := engine.Run(context.Background(), "not a url")
	require.Error(t, err)
	assert.Empty(t, sink.all())
}

// memoryTransport answers requests from a canned body map without touching
// the network, so tests can use hostnames that do not resolve.
type memoryTransport struct {
	bodies map[string]string
}

func (t *memoryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, ok := t.bodies[req.URL.String()]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
	}
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

// recordingFetcher returns a fixed page and records per-host fetch times.
type recordingFetcher struct {
	mu    sync.Mutex
	times map[string][]time.Time
}

func (f *recordingFetcher) Fetch(_ context.Context, identity string, _ fetch.RedirectCheck) (fetch.Result, error) {
	f.mu.Lock()
	host := urlnorm.Host(identity)
	f.times[host] = append(f.times[host], time.Now())
	f.mu.Unlock()
	return fetch.Result{
		URL:         identity,
		FinalURL:    identity,
		StatusCode:  http.StatusOK,
		Body:        []byte(htmlPage("Page", "", longPara)),
		ContentType: "text/html; charset=utf-8",
		FetchedAt:   time.Now(),
		Attempts:    1,
	}, nil
}

func (f *recordingFetcher) hostTimes(host string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.times[host]...)
}

func TestRunSubdomainCrawlDelayApplied(t *testing.T) {
	const (
		seedBase = "https://shop.example"
		docsBase = "https://docs.example"
	)
	transport := &memoryTransport{bodies: map[string]string{
		seedBase + "/robots.txt": fmt.Sprintf("User-agent: *\nAllow: /\nSitemap: %s/sitemap.xml\n", seedBase),
		docsBase + "/robots.txt": "User-agent: *\nAllow: /\nCrawl-delay: 0.4\n",
		seedBase + "/sitemap.xml": fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/</loc></url>
  <url><loc>%s/guide</loc></url>
  <url><loc>%s/reference</loc></url>
</urlset>`, seedBase, docsBase, docsBase),
	}}
	client := &http.Client{Transport: transport}

	p := testPolicy()
	p.AllowedSubdomains = []string{"docs.example"}

	sink := &captureSink{}
	fetcher := &recordingFetcher{times: make(map[string][]time.Time)}
	engine, err := New(p, sink, zap.NewNop(), WithFetcher(fetcher))
	require.NoError(t, err)
	engine.robots = robots.NewEnforcer(client, p.UserAgent, zap.NewNop())
	engine.sitemaps = sitemap.NewDiscoverer(client, p.UserAgent, zap.NewNop())

	summary, err := engine.Run(context.Background(), seedBase+"/")
	require.NoError(t, err)
	assert.Equal(t, ModeSitemap, summary.Mode)
	assert.Equal(t, 3, summary.Emitted)

	docsTimes := fetcher.hostTimes("docs.example")
	require.Len(t, docsTimes, 2)
	gap := docsTimes[1].Sub(docsTimes[0])
	if gap < 0 {
		gap = -gap
	}
	assert.GreaterOrEqual(t, gap, 300*time.Millisecond,
		"fetches against the subdomain honor its own crawl-delay")
}
