// Package fetch retrieves single pages over HTTP with bounded retries and
// redirect policy enforcement.
package fetch

import (
	"errors"
	"time"
)

// Sentinel errors surfaced to the scheduler for outcome classification.
var (
	// ErrOutOfScope aborts a redirect chain that leaves the crawl scope.
	ErrOutOfScope = errors.New("redirect target out of scope")
	// ErrAlreadyVisited aborts a redirect chain landing on a resolved identity.
	ErrAlreadyVisited = errors.New("redirect target already visited")
	// ErrTooManyRedirects aborts a chain exceeding the redirect bound.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// RedirectCheck examines the normalized identity of each redirect hop and
// returns a sentinel error to abort the chain.
type RedirectCheck func(identity string) error

// Result is the outcome of one fetch, successful or not. StatusCode is
// zero when no HTTP response was obtained.
type Result struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Body        []byte
	ContentType string
	FetchedAt   time.Time
	Attempts    int
}

// Config controls fetch behavior.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	MaxRedirects   int
	// MaxRetries bounds re-attempts after the first try.
	MaxRetries   int
	MaxBodyBytes int
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 10 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "sitespider/1.0"
	}
}
