// Package urlnorm produces the canonical string identity for a URL.
// Two URLs refer to the same page iff their normalized forms are equal.
package urlnorm

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ErrMalformedURL is returned for URLs that cannot yield an identity.
var ErrMalformedURL = errors.New("malformed url")

// DefaultTrackingParams lists query parameters that never change page
// identity. Callers may extend or replace the list via Config.
var DefaultTrackingParams = []string{
	"utm_*",
	"gclid",
	"fbclid",
	"msclkid",
	"mc_cid",
	"mc_eid",
	"ref",
	"igshid",
}

// Config controls the normalization rules that are site-policy dependent.
type Config struct {
	// StripWWW folds a leading "www." into the bare host.
	StripWWW bool
	// TrackingParams are query parameter names removed before identity is
	// computed. A trailing "*" matches by prefix.
	TrackingParams []string
}

// Normalizer computes URL identities. The zero value uses no tracking
// blocklist and keeps "www." intact.
type Normalizer struct {
	stripWWW bool
	exact    map[string]struct{}
	prefixes []string
}

// New builds a Normalizer from cfg.
func New(cfg Config) *Normalizer {
	n := &Normalizer{
		stripWWW: cfg.StripWWW,
		exact:    make(map[string]struct{}),
	}
	for _, p := range cfg.TrackingParams {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			if prefix := strings.TrimSuffix(p, "*"); prefix != "" {
				n.prefixes = append(n.prefixes, prefix)
			}
			continue
		}
		n.exact[p] = struct{}{}
	}
	return n
}

// Normalize returns the canonical identity for rawURL.
// It lowercases the scheme and host, removes default ports, drops the
// fragment, trims the trailing slash on non-root paths, filters tracking
// parameters, and sorts the remaining query for a deterministic form.
// Normalize is pure and idempotent.
func (n *Normalizer) Normalize(rawURL string) (string, error) {
	return n.NormalizeRef(rawURL, nil)
}

// NormalizeRef resolves rawURL against base (when non-nil) before
// normalizing, so relative hrefs from a fetched page can be keyed.
func (n *Normalizer) NormalizeRef(rawURL string, base *url.URL) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("%w: empty url", ErrMalformedURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	if base != nil {
		u = base.ResolveReference(u)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrMalformedURL, u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrMalformedURL)
	}

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if n.stripWWW {
		u.Host = strings.TrimPrefix(u.Host, "www.")
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	if u.Path == "" {
		u.Path = "/"
	} else if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	u.RawPath = ""

	u.RawQuery = n.filterQuery(u.Query())

	return u.String(), nil
}

// Host reports the lowercase hostname of an already-normalized identity.
func Host(identity string) string {
	u, err := url.Parse(identity)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func (n *Normalizer) filterQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		if n.blocked(strings.ToLower(k)) {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		values := q[k]
		sort.Strings(values)
		for _, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func (n *Normalizer) blocked(key string) bool {
	if _, ok := n.exact[key]; ok {
		return true
	}
	for _, prefix := range n.prefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
