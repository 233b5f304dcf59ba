package frontier

import "sync"

// State is the terminal disposition of an identity.
type State int

// Terminal states recorded in the Visited set.
const (
	// StatePending means the identity has been enqueued but not resolved.
	StatePending State = iota
	StateFetched
	StateFailed
	StateDisallowed
	StateOutOfScope
	// StateAlias marks an identity merged into a canonical one.
	StateAlias
)

type visitedRecord struct {
	state     State
	canonical string
}

// Visited is the run-wide record of every identity the crawl has touched.
// It grows monotonically: an identity is admitted exactly once and later
// resolved to exactly one terminal state.
type Visited struct {
	mu      sync.Mutex
	records map[string]visitedRecord
}

// NewVisited returns an empty Visited set.
func NewVisited() *Visited {
	return &Visited{records: make(map[string]visitedRecord)}
}

// MarkIfNew admits the identity if it has never been seen, returning true
// exactly once per identity. This is the test-and-set that keeps enqueue
// idempotent under concurrent discovery.
func (v *Visited) MarkIfNew(identity string) bool {
	if identity == "" {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, seen := v.records[identity]; seen {
		return false
	}
	v.records[identity] = visitedRecord{state: StatePending}
	return true
}

// Resolve records the terminal state for an identity. The first terminal
// resolution wins; later calls are ignored.
func (v *Visited) Resolve(identity string, state State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.records[identity]
	if ok && rec.state != StatePending {
		return
	}
	rec.state = state
	v.records[identity] = rec
}

// ResolveAlias marks identity as an alias of canonical so a later sighting
// is neither re-fetched nor re-emitted.
func (v *Visited) ResolveAlias(identity, canonical string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.records[identity]
	if ok && rec.state != StatePending {
		return
	}
	v.records[identity] = visitedRecord{state: StateAlias, canonical: canonical}
}

// State reports the recorded state for identity and whether it was ever
// admitted.
func (v *Visited) State(identity string) (State, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.records[identity]
	return rec.state, ok
}

// Canonical returns the canonical identity an alias points at.
func (v *Visited) Canonical(identity string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.records[identity]
	if !ok || rec.state != StateAlias {
		return "", false
	}
	return rec.canonical, true
}

// Len reports how many identities have been admitted.
func (v *Visited) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.records)
}
