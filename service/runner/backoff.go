package runner

import (
	"sync"
	"time"

	"github.com/backfila/backfila/service/internal"
)

// Backoff holds a single "back off until" deadline. Adding to an active backoff extends it.
type Backoff struct {
	clock internal.Clock

	mu    sync.Mutex
	until time.Time
}

// NewBackoff creates a Backoff that is not backing off.
func NewBackoff(clock internal.Clock) *Backoff {
	return &Backoff{clock: clock}
}

// BackingOff reports whether the deadline is in the future.
func (b *Backoff) BackingOff() bool {
	return b.BackoffDuration() > 0
}

// BackoffDuration returns the time left until the deadline, or zero if it passed.
func (b *Backoff) BackoffDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.until.Sub(b.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// Add pushes the deadline `d` further. If the backoff is not active the deadline becomes now + d.
func (b *Backoff) Add(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.until.Before(now) {
		b.until = now
	}
	b.until = b.until.Add(d)
}
