package notifications

import (
	"context"

	"github.com/backfila/backfila/log"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// RunListener turns run state changes into events written to a sink. It is notified both by operator actions and by
// runners.
type RunListener struct {
	sink   Sink
	source Source
	clock  clock.Clock
}

// RunListenerOption provides functional options for NewRunListener.
type RunListenerOption func(*RunListener)

// WithClock sets the clock used to timestamp events.
func WithClock(c clock.Clock) RunListenerOption {
	return func(l *RunListener) {
		l.clock = c
	}
}

// NewRunListener creates a RunListener writing to sink. Events carry source as their origin.
func NewRunListener(sink Sink, source Source, opts ...RunListenerOption) *RunListener {
	l := &RunListener{sink: sink, source: source, clock: clock.New()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RunListener) write(ctx context.Context, action string, runID int64) {
	event := &Event{
		ID:        uuid.NewString(),
		Timestamp: l.clock.Now().UTC(),
		Action:    action,
		RunID:     runID,
		Source:    l.source,
	}
	if err := l.sink.Write(event); err != nil {
		log.GetLogger(log.WithContext(ctx)).WithError(err).WithField("event", event.String()).Warn("failed to queue run event")
	}
}

// RunStarted queues a run_started event.
func (l *RunListener) RunStarted(ctx context.Context, runID int64) {
	l.write(ctx, ActionRunStarted, runID)
}

// RunPaused queues a run_paused event.
func (l *RunListener) RunPaused(ctx context.Context, runID int64) {
	l.write(ctx, ActionRunPaused, runID)
}

// RunCancelled queues a run_cancelled event.
func (l *RunListener) RunCancelled(ctx context.Context, runID int64) {
	l.write(ctx, ActionRunCancelled, runID)
}

// RunErrored queues a run_errored event.
func (l *RunListener) RunErrored(ctx context.Context, runID int64) {
	l.write(ctx, ActionRunErrored, runID)
}

// RunCompleted queues a run_completed event.
func (l *RunListener) RunCompleted(ctx context.Context, runID int64) {
	l.write(ctx, ActionRunCompleted, runID)
}
