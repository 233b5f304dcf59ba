package spider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/visibilitylab/sitespider/internal/dedup"
	"github.com/visibilitylab/sitespider/internal/extract"
	"github.com/visibilitylab/sitespider/internal/fetch"
	"github.com/visibilitylab/sitespider/internal/frontier"
	"github.com/visibilitylab/sitespider/internal/metrics"
	"github.com/visibilitylab/sitespider/internal/policy"
	"github.com/visibilitylab/sitespider/internal/politeness"
	"github.com/visibilitylab/sitespider/internal/robots"
	"github.com/visibilitylab/sitespider/internal/sitemap"
	"github.com/visibilitylab/sitespider/internal/structured"
	"github.com/visibilitylab/sitespider/internal/urlnorm"
)

// Fetcher retrieves one page. The production implementation is
// fetch.CollyFetcher; tests substitute their own.
type Fetcher interface {
	Fetch(ctx context.Context, identity string, check fetch.RedirectCheck) (fetch.Result, error)
}

// Engine runs crawls against a fixed policy. One Engine may serve many
// sequential or concurrent Run calls; all per-run state lives in the run.
type Engine struct {
	policy    policy.Policy
	logger    *zap.Logger
	sink      Sink
	norm      *urlnorm.Normalizer
	fetcher   Fetcher
	robots    *robots.Enforcer
	sitemaps  *sitemap.Discoverer
	extractor *extract.Extractor
}

// Option customizes Engine construction.
type Option func(*Engine)

// WithFetcher substitutes the page fetcher.
func WithFetcher(f Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// New builds an Engine for the given policy, emitting records to sink.
func New(p policy.Policy, sink Sink, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("spider: sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	tracking := p.TrackingParams
	if tracking == nil {
		tracking = urlnorm.DefaultTrackingParams
	}
	norm := urlnorm.New(urlnorm.Config{
		StripWWW:       p.StripWWW,
		TrackingParams: tracking,
	})
	client := &http.Client{Timeout: p.RequestTimeout}

	e := &Engine{
		policy:    p,
		logger:    logger,
		sink:      sink,
		norm:      norm,
		robots:    robots.NewEnforcer(client, p.UserAgent, logger),
		sitemaps:  sitemap.NewDiscoverer(client, p.UserAgent, logger),
		extractor: extract.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fetcher == nil {
		f, err := fetch.NewCollyFetcher(fetch.Config{
			UserAgent:      p.UserAgent,
			RequestTimeout: p.RequestTimeout,
			MaxRedirects:   p.MaxRedirects,
			MaxRetries:     p.MaxRetries,
		}, norm.Normalize, logger)
		if err != nil {
			return nil, fmt.Errorf("spider: build fetcher: %w", err)
		}
		e.fetcher = f
	}
	return e, nil
}

// run carries the mutable state of one crawl.
type run struct {
	e        *Engine
	ctx      context.Context
	scope    *policy.Scope
	limiter  *politeness.Limiter
	visited  *frontier.Visited
	queue    *frontier.Frontier
	resolver *dedup.Resolver
	linkMode bool
	delayed  sync.Map

	budget     atomic.Int64
	discovered atomic.Int64
	fetched    atomic.Int64
	emitted    atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
}

// Run crawls from seed until the frontier is exhausted or a policy limit
// is hit. The returned Summary is valid even when err is non-nil.
func (e *Engine) Run(ctx context.Context, seed string) (Summary, error) {
	start := time.Now()

	seedID, err := e.norm.Normalize(seed)
	if err != nil {
		return Summary{Seed: seed}, fmt.Errorf("spider: seed: %w", err)
	}
	base, err := url.Parse(seedID)
	if err != nil {
		return Summary{Seed: seedID}, fmt.Errorf("spider: seed: %w", err)
	}

	if e.policy.MaxCrawlTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.policy.MaxCrawlTime)
		defer cancel()
	}

	visited := frontier.NewVisited()
	r := &run{
		e:       e,
		ctx:     ctx,
		scope:   policy.NewScope(base.Hostname(), e.policy),
		limiter: politeness.New(e.policy.CrawlDelayFloor),
		visited: visited,
		queue:   frontier.New(visited),
	}
	r.resolver = dedup.NewResolver(visited, r.queue, r.admit)
	r.budget.Store(int64(e.policy.MaxPages))

	rules := e.robots.Rules(ctx, base)
	mode := r.discover(ctx, base, seedID, rules)
	e.logger.Info("crawl started",
		zap.String("seed", seedID),
		zap.String("mode", mode),
		zap.Int("queued", r.queue.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			r.queue.Close()
		case <-watchDone:
		}
	}()
	for i := 0; i < e.policy.Concurrency; i++ {
		g.Go(func() error { return r.worker(gctx) })
	}
	err = g.Wait()
	close(watchDone)
	metrics.ObserveRun(mode)

	summary := Summary{
		Seed:       seedID,
		Mode:       mode,
		Discovered: int(r.discovered.Load()),
		Fetched:    int(r.fetched.Load()),
		Emitted:    int(r.emitted.Load()),
		Failed:     int(r.failed.Load()),
		Skipped:    int(r.skipped.Load()),
		Elapsed:    time.Since(start),
	}
	e.logger.Info("crawl finished",
		zap.String("seed", seedID),
		zap.Int("emitted", summary.Emitted),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", summary.Elapsed),
	)

	// Hitting the wall-clock cap or an external cancel is a graceful stop,
	// not a run failure.
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return summary, err
	}
	return summary, nil
}

// discover seeds the frontier, preferring sitemap entries and falling back
// to link-traversal from the seed page. Returns the discovery mode used.
func (r *run) discover(ctx context.Context, base *url.URL, seedID string, rules *robots.Rules) string {
	entries, err := r.e.sitemaps.Discover(ctx, base, rules.Sitemaps)
	if err == nil {
		queued := 0
		for _, entry := range entries {
			id, nerr := r.e.norm.Normalize(entry.Loc)
			if nerr != nil || !r.admit(id) {
				continue
			}
			if r.queue.Push(frontier.Entry{
				URL:      id,
				Source:   frontier.SourceSitemap,
				LastMod:  entry.LastMod,
				Priority: entry.Priority,
			}) {
				queued++
			}
		}
		if queued > 0 {
			r.discovered.Add(int64(queued))
			return ModeSitemap
		}
		r.e.logger.Info("sitemap yielded no in-scope entries, falling back to link discovery",
			zap.String("seed", seedID))
	} else if !errors.Is(err, sitemap.ErrNoSitemap) {
		r.e.logger.Warn("sitemap discovery failed, falling back to link discovery",
			zap.String("seed", seedID), zap.Error(err))
	}

	r.linkMode = true
	if !rules.Allowed(seedID) {
		r.visited.MarkIfNew(seedID)
		r.visited.Resolve(seedID, frontier.StateDisallowed)
		r.skipped.Add(1)
		r.e.logger.Warn("seed disallowed by robots.txt", zap.String("seed", seedID))
		return ModeLink
	}
	if r.queue.Push(frontier.Entry{URL: seedID, Source: frontier.SourceLink, Depth: 0}) {
		r.discovered.Add(1)
	}
	return ModeLink
}

// admit reports whether an identity may enter the frontier: in scope and
// not blocked by its host's robots.txt.
func (r *run) admit(identity string) bool {
	return r.scope.Contains(identity) && r.e.robots.Allowed(r.ctx, identity)
}

// applyHostDelay feeds a host's robots.txt Crawl-delay into the limiter the
// first time an entry for that host is processed. Allowed subdomains carry
// their own Crawl-delay, so the seed host's rules are not enough.
func (r *run) applyHostDelay(ctx context.Context, rawURL, host string) {
	once, _ := r.delayed.LoadOrStore(host, new(sync.Once))
	once.(*sync.Once).Do(func() {
		u, err := url.Parse(rawURL)
		if err != nil {
			return
		}
		if rules := r.e.robots.Rules(ctx, u); rules.Delay > 0 {
			r.limiter.SetDelay(host, rules.Delay)
		}
	})
}

func (r *run) worker(ctx context.Context) error {
	for {
		entry, ok := r.queue.Pop()
		if !ok {
			return nil
		}
		if r.budget.Add(-1) < 0 {
			r.queue.Close()
			r.queue.Done()
			continue
		}
		metrics.SetFrontierSize(r.queue.Len())
		err := r.process(ctx, entry)
		r.queue.Done()
		if err != nil {
			r.queue.Close()
			return err
		}
	}
}

// process fetches one frontier entry and carries it through extraction,
// canonical resolution, and emission. A non-nil error aborts the run; page
// level failures are recorded, not returned.
func (r *run) process(ctx context.Context, entry frontier.Entry) error {
	host := urlnorm.Host(entry.URL)
	r.applyHostDelay(ctx, entry.URL, host)

	waitStart := time.Now()
	if err := r.limiter.Wait(ctx, host); err != nil {
		return nil
	}
	metrics.ObservePolitenessWait(host, time.Since(waitStart))
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	var lastHop string
	check := func(identity string) error {
		lastHop = identity
		if identity == entry.URL {
			return nil
		}
		if !r.scope.Contains(identity) {
			return fetch.ErrOutOfScope
		}
		if state, seen := r.visited.State(identity); seen && state != frontier.StatePending {
			return fetch.ErrAlreadyVisited
		}
		return nil
	}

	fetchStart := time.Now()
	res, err := r.e.fetcher.Fetch(ctx, entry.URL, check)
	elapsed := time.Since(fetchStart)

	switch {
	case errors.Is(err, fetch.ErrOutOfScope):
		r.visited.Resolve(entry.URL, frontier.StateOutOfScope)
		r.skipped.Add(1)
		metrics.ObservePage(host, "out_of_scope", 0, 0)
		r.e.logger.Debug("redirect left scope", zap.String("url", entry.URL))
		return nil
	case errors.Is(err, fetch.ErrAlreadyVisited):
		r.visited.ResolveAlias(entry.URL, lastHop)
		r.skipped.Add(1)
		metrics.ObservePage(host, "duplicate", 0, 0)
		return nil
	case err != nil:
		// Redirect loop, exhausted retries with no response, or shutdown.
		r.visited.Resolve(entry.URL, frontier.StateFailed)
		r.failed.Add(1)
		metrics.ObservePage(host, "error", 0, elapsed)
		r.e.logger.Warn("fetch failed",
			zap.String("url", entry.URL),
			zap.Int("attempts", res.Attempts),
			zap.Error(err),
		)
		return nil
	}
	r.fetched.Add(1)

	// A redirect chain may land on a different identity than the one
	// popped. The popped identity becomes an alias of where it landed.
	fetchedID := entry.URL
	if finalID, nerr := r.e.norm.Normalize(res.FinalURL); nerr == nil && finalID != entry.URL {
		r.visited.ResolveAlias(entry.URL, finalID)
		if !r.visited.MarkIfNew(finalID) {
			// The landing identity is already queued; its own fetch emits.
			r.skipped.Add(1)
			metrics.ObservePage(host, "duplicate", len(res.Body), elapsed)
			return nil
		}
		fetchedID = finalID
	}

	isHTML := strings.Contains(res.ContentType, "html")
	var content extract.Result
	var sd structured.Data
	var links pageLinks
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		content = r.e.extractor.Extract(res.Body, res.ContentType)
		if isHTML {
			sd = structured.Extract(res.Body)
			links = parseLinks(res.Body)
		}
	}

	baseURL, _ := url.Parse(res.FinalURL)

	canonicalID := ""
	if links.canonical != "" && baseURL != nil {
		if id, nerr := r.e.norm.NormalizeRef(links.canonical, baseURL); nerr == nil {
			canonicalID = id
		}
	}
	decision := r.resolver.Resolve(fetchedID, canonicalID, entry.Depth)
	if decision.Requeued {
		r.discovered.Add(1)
	}

	if decision.Emit {
		if err := r.emit(entry, res, content, sd, decision); err != nil {
			return err
		}
		metrics.ObservePage(host, outcomeFor(res.StatusCode), len(res.Body), elapsed)
	} else {
		r.skipped.Add(1)
		metrics.ObservePage(host, "canonical_merge", len(res.Body), elapsed)
	}

	if r.linkMode && entry.Depth < r.e.policy.MaxDepth && baseURL != nil {
		queued := 0
		for _, href := range links.hrefs {
			id, nerr := r.e.norm.NormalizeRef(href, baseURL)
			if nerr != nil || !r.admit(id) {
				continue
			}
			if r.queue.Push(frontier.Entry{
				URL:    id,
				Source: frontier.SourceLink,
				Depth:  entry.Depth + 1,
			}) {
				queued++
			}
		}
		if queued > 0 {
			r.discovered.Add(int64(queued))
			metrics.SetFrontierSize(r.queue.Len())
		}
	}
	return nil
}

// emit writes one record to the sink. Sink failure is fatal to the run: a
// crawl that cannot persist output must stop rather than drop pages.
func (r *run) emit(entry frontier.Entry, res fetch.Result, content extract.Result, sd structured.Data, decision dedup.Decision) error {
	rec := PageRecord{
		URL:         decision.URL,
		Status:      res.StatusCode,
		ContentType: res.ContentType,
		FetchedAt:   res.FetchedAt,
		CanonicalOf: decision.CanonicalOf,
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		rec.Title = content.Title
		rec.Text = content.Text
		if len(sd) > 0 {
			rec.StructuredData = sd
		}
	}
	if entry.Source == frontier.SourceSitemap && !entry.LastMod.IsZero() {
		lastMod := entry.LastMod
		rec.SitemapLastMod = &lastMod
	}

	if err := r.e.sink.Emit(rec); err != nil {
		return fmt.Errorf("spider: emit %s: %w", rec.URL, err)
	}
	if res.StatusCode >= 400 {
		r.visited.Resolve(decision.URL, frontier.StateFailed)
		r.failed.Add(1)
	} else {
		r.visited.Resolve(decision.URL, frontier.StateFetched)
	}
	r.emitted.Add(1)
	return nil
}

func outcomeFor(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "fetched"
	case status >= 300 && status < 400:
		return "redirect"
	case status >= 400 && status < 500:
		return "client_error"
	default:
		return "server_error"
	}
}
