// Package politeness spaces out fetches per host using token buckets.
package politeness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum interval between consecutive fetches to the
// same host. Hosts without an explicit delay use the configured floor.
type Limiter struct {
	mu     sync.Mutex
	floor  time.Duration
	delays map[string]time.Duration
	hosts  map[string]*rate.Limiter
}

// New creates a Limiter whose default per-host spacing is floor.
func New(floor time.Duration) *Limiter {
	return &Limiter{
		floor:  floor,
		delays: make(map[string]time.Duration),
		hosts:  make(map[string]*rate.Limiter),
	}
}

// SetDelay pins the spacing for one host, typically from a robots.txt
// Crawl-delay directive. Values below the floor are raised to it.
func (l *Limiter) SetDelay(host string, delay time.Duration) {
	host = strings.ToLower(host)
	if delay < l.floor {
		delay = l.floor
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delays[host] = delay
	delete(l.hosts, host)
}

// Wait blocks until the host's next fetch slot, or until ctx is done.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	host = strings.ToLower(host)
	if host == "" {
		return nil
	}
	l.mu.Lock()
	limiter, ok := l.hosts[host]
	if !ok {
		limiter = rate.NewLimiter(l.limitFor(host), 1)
		l.hosts[host] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("politeness wait for %s: %w", host, err)
	}
	return nil
}

// Delay reports the effective spacing for host.
func (l *Limiter) Delay(host string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.delays[strings.ToLower(host)]; ok {
		return d
	}
	return l.floor
}

func (l *Limiter) limitFor(host string) rate.Limit {
	delay := l.floor
	if d, ok := l.delays[host]; ok {
		delay = d
	}
	if delay <= 0 {
		return rate.Inf
	}
	return rate.Every(delay)
}
