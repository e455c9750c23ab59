package sweeper

import (
	"sync"
	"time"
)

// backpressure adapts sweep concurrency to how often aborts fail. A store
// that keeps rejecting aborts gets fewer parallel calls, and a large backlog
// is left alone entirely until failures drop.
type backpressure struct {
	max       int
	min       int
	threshold float64
	window    time.Duration
	now       func() time.Time

	mu       sync.Mutex
	current  int
	outcomes []abortOutcome
}

type abortOutcome struct {
	at time.Time
	ok bool
}

func newBackpressure(max int, threshold float64, window time.Duration) *backpressure {
	if max < 1 {
		max = 1
	}
	return &backpressure{
		max:       max,
		min:       1,
		threshold: threshold,
		window:    window,
		now:       time.Now,
		current:   max,
	}
}

func (b *backpressure) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes = append(b.outcomes, abortOutcome{at: b.now(), ok: ok})
}

// failureRate returns the share of failed aborts in the window. Caller holds b.mu.
func (b *backpressure) failureRateLocked() (float64, int) {
	cutoff := b.now().Add(-b.window)
	i := 0
	for i < len(b.outcomes) && b.outcomes[i].at.Before(cutoff) {
		i++
	}
	b.outcomes = b.outcomes[i:]

	if len(b.outcomes) == 0 {
		return 0, 0
	}
	failures := 0
	for _, o := range b.outcomes {
		if !o.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(b.outcomes)), len(b.outcomes)
}

// adjust halves concurrency above the threshold, doubles it after a clean
// window, and otherwise creeps up by one. Called once per sweep.
func (b *backpressure) adjust() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate, n := b.failureRateLocked()
	switch {
	case n == 0:
	case rate > b.threshold:
		b.current = max(b.current/2, b.min)
	case rate == 0:
		b.current = min(b.current*2, b.max)
	default:
		b.current = min(b.current+1, b.max)
	}
	return b.current
}

// shouldPause reports whether a sweep of backlog sessions should be skipped.
// A backlog that fits in one round is always attempted so the window keeps
// receiving fresh outcomes.
func (b *backpressure) shouldPause(backlog int) bool {
	if backlog <= b.max {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rate, _ := b.failureRateLocked()
	return rate > b.threshold
}

func (b *backpressure) concurrency() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}
