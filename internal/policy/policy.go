// Package policy defines the per-run crawl scope and resource limits.
package policy

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Policy captures the caller-supplied constraints for one crawl run.
// It is immutable for the lifetime of the run.
type Policy struct {
	// AllowedSubdomains lists hosts that are in scope in addition to the
	// seed host itself. "*.example.com" allows every subdomain.
	AllowedSubdomains []string
	// PathPrefixes restricts the crawl to URLs under any of the given
	// prefixes. Empty means all paths.
	PathPrefixes []string
	// MaxDepth bounds link-discovery traversal. Zero means seed only.
	MaxDepth int
	// MaxPages caps the number of fetches for the whole run.
	MaxPages int
	// MaxCrawlTime caps the wall-clock duration of the run.
	MaxCrawlTime time.Duration
	// CrawlDelayFloor is the minimum spacing between fetches to one host,
	// applied even when robots.txt declares a shorter delay.
	CrawlDelayFloor time.Duration
	// TrackingParams is the query parameter blocklist fed to the normalizer.
	TrackingParams []string
	// StripWWW folds www.<seed> and <seed> into one identity.
	StripWWW bool
	// UserAgent identifies the spider to remote servers and robots.txt.
	UserAgent string
	// Concurrency is the fetch worker pool width.
	Concurrency int
	// MaxRedirects bounds redirect chains per fetch.
	MaxRedirects int
	// MaxRetries bounds re-attempts on transient fetch failures.
	MaxRetries int
	// RequestTimeout is the per-request HTTP timeout.
	RequestTimeout time.Duration
}

// Default returns a Policy with conservative defaults applied.
func Default() Policy {
	return Policy{
		MaxDepth:        3,
		MaxPages:        500,
		MaxCrawlTime:    10 * time.Minute,
		CrawlDelayFloor: time.Second,
		StripWWW:        true,
		UserAgent:       "sitespider/1.0",
		Concurrency:     4,
		MaxRedirects:    5,
		MaxRetries:      3,
		RequestTimeout:  15 * time.Second,
	}
}

// Validate rejects obviously unusable policies.
func (p Policy) Validate() error {
	if p.UserAgent == "" {
		return fmt.Errorf("policy: user_agent must be set")
	}
	if p.Concurrency <= 0 {
		return fmt.Errorf("policy: concurrency must be > 0")
	}
	if p.MaxPages <= 0 {
		return fmt.Errorf("policy: max_pages must be > 0")
	}
	if p.MaxDepth < 0 {
		return fmt.Errorf("policy: max_depth must be >= 0")
	}
	if p.RequestTimeout <= 0 {
		return fmt.Errorf("policy: request_timeout must be > 0")
	}
	return nil
}

// Scope decides whether a normalized identity belongs to the crawl,
// combining the seed host, allowed subdomains, and path prefixes.
type Scope struct {
	seedHost string
	stripWWW bool
	exact    map[string]struct{}
	suffixes []string
	prefixes []string
}

// NewScope derives the scope matcher for the given seed host.
func NewScope(seedHost string, p Policy) *Scope {
	s := &Scope{
		seedHost: canonicalHost(seedHost, p.StripWWW),
		stripWWW: p.StripWWW,
		exact:    make(map[string]struct{}),
		prefixes: append([]string(nil), p.PathPrefixes...),
	}
	for _, raw := range p.AllowedSubdomains {
		value := canonicalHost(raw, p.StripWWW)
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			if suffix := strings.TrimPrefix(value, "*."); suffix != "" {
				s.suffixes = append(s.suffixes, suffix)
			}
		case strings.HasPrefix(value, "."):
			if suffix := strings.TrimPrefix(value, "."); suffix != "" {
				s.suffixes = append(s.suffixes, suffix)
			}
		default:
			s.exact[value] = struct{}{}
		}
	}
	return s
}

// Contains reports whether the normalized identity is in scope.
func (s *Scope) Contains(identity string) bool {
	u, err := url.Parse(identity)
	if err != nil {
		return false
	}
	if !s.hostAllowed(canonicalHost(u.Hostname(), s.stripWWW)) {
		return false
	}
	return s.pathAllowed(u.Path)
}

func (s *Scope) hostAllowed(host string) bool {
	if host == "" {
		return false
	}
	if host == s.seedHost {
		return true
	}
	if _, ok := s.exact[host]; ok {
		return true
	}
	for _, suffix := range s.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func (s *Scope) pathAllowed(path string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	if path == "" {
		path = "/"
	}
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func canonicalHost(host string, stripWWW bool) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if stripWWW {
		host = strings.TrimPrefix(host, "www.")
	}
	return host
}
