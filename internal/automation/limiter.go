package automation

import (
	"sync"
	"time"
)

// Limiter enforces a rolling-window execution cap per rule.
//
// Each rule keeps its own slice of firing timestamps, pruned on every
// check, so the structure's size is bounded by rules x max. This is a
// dedicated counter rather than an expiring cache: eviction is explicit
// and never best-effort.
type Limiter struct {
	window time.Duration
	max    int

	mu   sync.Mutex
	hits map[string][]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter creates a limiter allowing max firings per rule per window.
func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{
		window: window,
		max:    max,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether the rule may fire now, recording the firing when
// it may. A rejected call records nothing, so probing does not consume
// the budget.
func (l *Limiter) Allow(ruleID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.hits[ruleID][:0]
	for _, t := range l.hits[ruleID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.max {
		l.hits[ruleID] = kept
		return false
	}

	l.hits[ruleID] = append(kept, now)
	return true
}

// Reset forgets all recorded firings for a rule.
func (l *Limiter) Reset(ruleID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.hits, ruleID)
}
