// Package frontier holds the set of discovered-but-unfetched URLs and the
// run-wide visited bookkeeping that makes enqueueing idempotent.
package frontier

import (
	"sync"
	"time"
)

// Source tags how an entry was discovered.
type Source string

// Discovery provenance values.
const (
	SourceSitemap           Source = "sitemap"
	SourceLink              Source = "link"
	SourceCanonicalRedirect Source = "canonical-redirect"
)

// Entry is one claimable unit of work. URL is always a normalized identity.
type Entry struct {
	URL      string
	Source   Source
	Depth    int
	LastMod  time.Time
	Priority float64
}

// Frontier is a thread-safe FIFO queue of entries. Enqueue admission is
// gated by the shared Visited set so one identity is queued at most once.
type Frontier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []Entry
	visited  *Visited
	inFlight int
	closed   bool
}

// New creates a Frontier gated by the given Visited set.
func New(visited *Visited) *Frontier {
	f := &Frontier{visited: visited}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Push enqueues the entry unless its identity has already been seen or the
// frontier is closed. Returns true when the entry was accepted.
func (f *Frontier) Push(entry Entry) bool {
	if entry.URL == "" {
		return false
	}
	if !f.visited.MarkIfNew(entry.URL) {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.items = append(f.items, entry)
	f.cond.Signal()
	return true
}

// Pop blocks until an entry is available or the frontier is exhausted.
// The second return is false once no entry will ever arrive again: the
// frontier is closed, or it is empty with no entry still being processed.
// Callers must pair every successful Pop with a Done call.
func (f *Frontier) Pop() (Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if len(f.items) > 0 {
			entry := f.items[0]
			f.items = f.items[1:]
			f.inFlight++
			return entry, true
		}
		if f.closed || f.inFlight == 0 {
			return Entry{}, false
		}
		f.cond.Wait()
	}
}

// Done signals that a popped entry reached a terminal state. When the last
// in-flight entry completes on an empty queue, all blocked Pop calls return.
func (f *Frontier) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight > 0 {
		f.inFlight--
	}
	if f.inFlight == 0 && len(f.items) == 0 {
		f.cond.Broadcast()
	} else {
		f.cond.Signal()
	}
}

// Close stops admission and wakes every blocked Pop. Queued entries are
// discarded so workers drain immediately.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.items = nil
	f.cond.Broadcast()
}

// Len reports the number of queued entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
