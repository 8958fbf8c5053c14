// Package traffic keeps a short sliding window of forecast request outcomes.
// Health uses it for the overloaded and degraded states; metrics read the
// rate-limit counts from it.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies a recorded request.
type Outcome int

const (
	Success Outcome = iota
	Error
	Denied
)

// retention bounds memory: windows longer than this see truncated counts.
const retention = 5 * time.Minute

var defaultTracker = NewTracker()

// RecordSuccess records a forecast served (fresh, cached or stale).
func RecordSuccess() { defaultTracker.Record(Success) }

// RecordError records a forecast request that failed upstream.
func RecordError() { defaultTracker.Record(Error) }

// RecordDenied records a rate-limit denial (429).
func RecordDenied() { defaultTracker.Record(Denied) }

// RequestCount returns success + error + denied within the window.
func RequestCount(window time.Duration) int { return defaultTracker.RequestCount(window) }

// DenialCount returns denials within the window.
func DenialCount(window time.Duration) int { return defaultTracker.Count(Denied, window) }

// ErrorRate returns (errors, successes+errors) within the window.
func ErrorRate(window time.Duration) (errors, total int) { return defaultTracker.ErrorRate(window) }

// Reset clears the process-wide tracker. For tests only.
func Reset() { defaultTracker.Reset() }

type event struct {
	at      time.Time
	outcome Outcome
}

// Tracker is a time-ordered log of outcomes, pruned on write.
type Tracker struct {
	mu     sync.Mutex
	events []event
	now    func() time.Time
}

// NewTracker returns an empty Tracker using the wall clock.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Record appends an outcome at the current time.
func (t *Tracker) Record(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.events = append(t.events, event{at: now, outcome: o})
	t.pruneLocked(now)
}

// Count returns the number of o outcomes within the window.
func (t *Tracker) Count(o Outcome, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	n := 0
	for _, e := range t.events {
		if e.outcome == o && !e.at.Before(cutoff) {
			n++
		}
	}
	return n
}

// RequestCount returns the number of outcomes of any kind within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	n := 0
	for _, e := range t.events {
		if !e.at.Before(cutoff) {
			n++
		}
	}
	return n
}

// ErrorRate returns (errors, successes+errors) within the window. Denials are
// excluded: a rate-limited client is not an upstream failure.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	for _, e := range t.events {
		if e.at.Before(cutoff) {
			continue
		}
		switch e.outcome {
		case Error:
			errors++
			total++
		case Success:
			total++
		}
	}
	return errors, total
}

// Reset drops all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

// pruneLocked drops events older than retention. Caller holds t.mu.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
