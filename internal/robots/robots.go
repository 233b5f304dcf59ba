// Package robots fetches and evaluates robots.txt rules per host.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const maxRobotsBytes = 1 << 20

// Rules holds one host's parsed robots.txt plus the directives the
// discovery layer cares about.
type Rules struct {
	group    *robotstxt.Group
	Sitemaps []string
	// Delay is the host's Crawl-delay directive, zero when absent.
	Delay time.Duration
}

// Allowed reports whether the given normalized identity may be fetched.
func (r *Rules) Allowed(identity string) bool {
	if r == nil || r.group == nil {
		return true
	}
	u, err := url.Parse(identity)
	if err != nil {
		return false
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return r.group.Test(path)
}

// Enforcer resolves and caches robots.txt rules by host.
type Enforcer struct {
	client    *http.Client
	cache     sync.Map
	userAgent string
	logger    *zap.Logger
}

// NewEnforcer builds an Enforcer using the given HTTP client.
func NewEnforcer(client *http.Client, userAgent string, logger *zap.Logger) *Enforcer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Enforcer{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
	}
}

// Rules returns the parsed rules for the host of base, fetching and
// caching /robots.txt on first use. A fetch failure yields allow-all
// rules with no sitemaps, never an error for the caller.
func (e *Enforcer) Rules(ctx context.Context, base *url.URL) *Rules {
	hostKey := strings.ToLower(base.Host)
	if cached, ok := e.cache.Load(hostKey); ok {
		if rules, assertOK := cached.(*Rules); assertOK {
			return rules
		}
	}

	rules, err := e.load(ctx, base)
	if err != nil {
		e.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", base.Host), zap.Error(err))
		rules = &Rules{}
	}
	e.cache.Store(hostKey, rules)
	return rules
}

// Allowed is a convenience wrapper combining Rules and Rules.Allowed.
func (e *Enforcer) Allowed(ctx context.Context, identity string) bool {
	u, err := url.Parse(identity)
	if err != nil {
		return false
	}
	return e.Rules(ctx, u).Allowed(identity)
}

func (e *Enforcer) load(ctx context.Context, base *url.URL) (*Rules, error) {
	robotsURL := url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}

	rules := &Rules{
		group:    data.FindGroup(e.userAgent),
		Sitemaps: append([]string(nil), data.Sitemaps...),
	}
	if rules.group != nil {
		rules.Delay = rules.group.CrawlDelay
	}
	return rules, nil
}
