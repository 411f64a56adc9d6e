// Package statuserr gives cross-component boundaries the boolean
// success + queryable last-error shape described in spec §7: within a
// pipeline stage errors are local (log + drop), but across components
// (south -> storage, north -> OMF transport) callers need to ask "did it
// work, and if not, why" without every call threading an error return
// through a channel.
package statuserr

import "sync"

// Tracker holds the most recent error observed by a component, if any.
type Tracker struct {
	mu   sync.RWMutex
	last error
}

// Record stores err as the last error. Passing nil clears it (the most
// recent operation succeeded).
func (t *Tracker) Record(err error) {
	t.mu.Lock()
	t.last = err
	t.mu.Unlock()
}

// Last returns the most recently recorded error, or nil if the last
// recorded operation succeeded or nothing has run yet.
func (t *Tracker) Last() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// Ok reports whether the last recorded operation succeeded.
func (t *Tracker) Ok() bool {
	return t.Last() == nil
}
