package recorder

import (
	"sync"
	"time"
)

// Gate decides which records a session may write, by receipt time. A
// session's gate is open over [from, until); the scheduler moves the bounds
// when it promotes or retires a session. Raw and full snapshot records are
// kept for the whole life of a session up to until; only decimated output and
// live publishing wait for the gate to open.
type Gate struct {
	mu     sync.RWMutex
	opened bool
	from   time.Time
	until  time.Time
}

// NewGate returns a gate that admits everything when open is true and
// nothing otherwise.
func NewGate(open bool) *Gate {
	return &Gate{opened: open}
}

func (g *Gate) admits(t time.Time) bool {
	if !g.opened || t.Before(g.from) {
		return false
	}
	return g.until.IsZero() || t.Before(g.until)
}

// Admits reports whether a record received at t would be written now.
func (g *Gate) Admits(t time.Time) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.admits(t)
}

// Do runs fn while holding the gate if a record received at t is admitted.
// A Handover cannot complete while fn runs.
func (g *Gate) Do(t time.Time, fn func() error) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.admits(t) {
		return false, nil
	}
	return true, fn()
}

func (g *Gate) retains(t time.Time) bool {
	return g.until.IsZero() || t.Before(g.until)
}

// Retains reports whether a raw or full snapshot record received at t would
// be written now.
func (g *Gate) Retains(t time.Time) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.retains(t)
}

// Keep runs fn while holding the gate unless the session was retired before
// t. Unlike Do it does not wait for the gate to open.
func (g *Gate) Keep(t time.Time, fn func() error) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.retains(t) {
		return false, nil
	}
	return true, fn()
}

// Handover closes from and opens to at a single cut-off instant read from
// now while both gates are held. Records received before the cut-off belong
// to from, the rest to to. from may be nil.
func Handover(from, to *Gate, now func() time.Time) time.Time {
	if from != nil {
		from.mu.Lock()
		defer from.mu.Unlock()
	}
	to.mu.Lock()
	defer to.mu.Unlock()

	cut := now()
	if from != nil {
		from.until = cut
	}
	to.opened = true
	to.from = cut
	to.until = time.Time{}
	return cut
}
