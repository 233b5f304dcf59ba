// Package dedup merges fetched URL identity with author-declared canonical
// identity so each logical page is emitted exactly once.
package dedup

import (
	"github.com/visibilitylab/sitespider/internal/frontier"
)

// Decision says under which identity a fetched page should be emitted, if
// at all.
type Decision struct {
	// Emit is false when the page's canonical identity is (or will be)
	// covered by its own fetch, making this fetch a duplicate.
	Emit bool
	// URL is the identity the record is emitted under.
	URL string
	// CanonicalOf carries the declared canonical when it was ignored for
	// being out of scope, as advisory metadata.
	CanonicalOf string
	// Requeued is true when the canonical identity was newly queued for
	// its own fetch.
	Requeued bool
}

// Resolver applies the canonical policy against the shared visited set and
// frontier.
type Resolver struct {
	visited *frontier.Visited
	queue   *frontier.Frontier
	// admit reports whether an identity is in scope and allowed by robots.
	admit func(identity string) bool
}

// NewResolver wires a Resolver to the run's shared state.
func NewResolver(visited *frontier.Visited, queue *frontier.Frontier, admit func(string) bool) *Resolver {
	return &Resolver{visited: visited, queue: queue, admit: admit}
}

// Resolve decides the emit identity for a page fetched as fetched whose
// body declared canonical (already normalized, empty when absent).
//
// A different in-scope canonical marks fetched as an alias and, when the
// canonical has never been admitted, queues it with canonical-redirect
// provenance; the record for that logical page is then produced by the
// canonical's own fetch, keeping emission at exactly one per canonical
// identity. An out-of-scope canonical is advisory only: scope wins and the
// page is emitted under its fetched identity.
func (r *Resolver) Resolve(fetched, canonical string, depth int) Decision {
	if canonical == "" || canonical == fetched {
		return Decision{Emit: true, URL: fetched}
	}
	if !r.admit(canonical) {
		return Decision{Emit: true, URL: fetched, CanonicalOf: canonical}
	}

	r.visited.ResolveAlias(fetched, canonical)
	requeued := r.queue.Push(frontier.Entry{
		URL:    canonical,
		Source: frontier.SourceCanonicalRedirect,
		Depth:  depth,
	})
	return Decision{URL: canonical, Requeued: requeued}
}
