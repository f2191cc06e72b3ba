package hsclient

import (
	"sync"
	"time"
)

// ipfcTTL bounds how long a failure record lives before it ages out,
// letting a stuck intro point recover without an explicit purge.
const ipfcTTL = 2 * time.Minute

// IntroState is the per-(service, intro auth key) fault record.
type IntroState struct {
	Error            bool
	TimedOut         bool
	UnreachableCount uint32
	updatedAt        time.Time
}

// Usable reports whether an intro point in this state may still be tried.
func (s IntroState) Usable() bool {
	return !s.Error && !s.TimedOut && s.UnreachableCount < MaxReachFailures
}

// IntroFailureCache (IPFC) tracks transient intro-point faults.
// The event loop is single-threaded, but the cache also backs tests
// and a CLI driver that may poll it from another goroutine, so it guards
// its map with a mutex rather than relying on caller discipline.
type IntroFailureCache struct {
	mu      sync.Mutex
	clock   func() time.Time
	entries map[introKey]*IntroState
}

// NewIntroFailureCache creates an empty IPFC. clock defaults to time.Now.
func NewIntroFailureCache(clock func() time.Time) *IntroFailureCache {
	if clock == nil {
		clock = time.Now
	}
	return &IntroFailureCache{clock: clock, entries: make(map[introKey]*IntroState)}
}

// Note records a fault against (service, introAuthPK). Generic is sticky
// (Error latches true), Timeout latches TimedOut, Unreachable increments
// the reachability counter. A fresh entry is created on first note and its
// TTL clock starts now.
func (c *IntroFailureCache) Note(service ServiceId, introAuthPK [32]byte, kind IntroFailureKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := introKey{service: service, authPK: introAuthPK}
	now := c.clock()
	e, ok := c.entries[key]
	if !ok || now.Sub(e.updatedAt) > ipfcTTL {
		e = &IntroState{}
		c.entries[key] = e
	}
	switch kind {
	case FailGeneric:
		e.Error = true
	case FailTimeout:
		e.TimedOut = true
	case FailUnreachable:
		e.UnreachableCount++
	}
	e.updatedAt = now
}

// Find returns the live fault record for (service, introAuthPK), if any has
// not yet aged out. The returned value is a copy; mutating it has no effect.
func (c *IntroFailureCache) Find(service ServiceId, introAuthPK [32]byte) (IntroState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := introKey{service: service, authPK: introAuthPK}
	e, ok := c.entries[key]
	if !ok {
		return IntroState{}, false
	}
	if c.clock().Sub(e.updatedAt) > ipfcTTL {
		delete(c.entries, key)
		return IntroState{}, false
	}
	return *e, true
}

// Usable returns true iff no entry exists, or the
// live entry's Usable() holds.
func (c *IntroFailureCache) Usable(service ServiceId, introAuthPK [32]byte) bool {
	state, ok := c.Find(service, introAuthPK)
	if !ok {
		return true
	}
	return state.Usable()
}

// PurgeAll drops every record, e.g. on NEWNYM.
func (c *IntroFailureCache) PurgeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[introKey]*IntroState)
}
