package internal

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the subset of clock.Clock used by the scheduler and runners. It lets tests drive time with a clock.Mock.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)
	Ticker(d time.Duration) *clock.Ticker
	Timer(d time.Duration) *clock.Timer
}
