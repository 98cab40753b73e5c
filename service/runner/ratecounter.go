package runner

import (
	"sync"

	"github.com/backfila/backfila/service/internal"
)

const defaultLookbackSeconds = 60

type rateEntry struct {
	second int64
	count  int64
}

// RateCounter sums counts over a sliding window of whole seconds, one minute by default.
type RateCounter struct {
	clock    internal.Clock
	lookback int64

	mu        sync.Mutex
	entries   []rateEntry
	sum       int64
	startedAt int64
	warm      bool
}

// NewRateCounter creates a RateCounter with a one minute window, starting now.
func NewRateCounter(clock internal.Clock) *RateCounter {
	rc := &RateCounter{clock: clock, lookback: defaultLookbackSeconds}
	rc.startedAt = rc.seconds()
	return rc
}

func (rc *RateCounter) seconds() int64 {
	return rc.clock.Now().Unix()
}

// Add records `count` at the current second.
func (rc *RateCounter) Add(count int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	s := rc.seconds()
	if n := len(rc.entries); n > 0 && rc.entries[n-1].second == s {
		rc.entries[n-1].count += count
	} else {
		rc.entries = append(rc.entries, rateEntry{second: s, count: count})
	}
	rc.sum += count
}

// Sum returns the total of the counts added within the window.
func (rc *RateCounter) Sum() int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.evict()
}

func (rc *RateCounter) evict() int64 {
	s := rc.seconds()
	i := 0
	for ; i < len(rc.entries); i++ {
		if s-rc.entries[i].second <= rc.lookback {
			break
		}
		rc.sum -= rc.entries[i].count
	}
	rc.entries = rc.entries[i:]

	return rc.sum
}

// ProjectedRate returns the sum over the window. Until a full window elapsed since the counter was created, the sum is
// scaled up to a full window based on the time that passed.
func (rc *RateCounter) ProjectedRate() int64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.warm {
		return rc.evict()
	}

	delta := rc.seconds() - rc.startedAt
	if delta >= rc.lookback {
		rc.warm = true
		return rc.evict()
	}

	return rc.evict() * (rc.lookback / max(delta, 1))
}
