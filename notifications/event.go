// Package notifications delivers backfill run events to external HTTP endpoints. Delivery is best effort: events are
// queued in memory, retried with an exponential backoff and dropped once retries are exhausted or the process stops.
package notifications

import (
	"errors"
	"fmt"
	"time"
)

// EventsMediaType is the media type of notification envelopes.
const EventsMediaType = "application/vnd.backfila.events.v1+json"

// Actions of run events.
const (
	ActionRunStarted   = "run_started"
	ActionRunPaused    = "run_paused"
	ActionRunCancelled = "run_cancelled"
	ActionRunErrored   = "run_errored"
	ActionRunCompleted = "run_completed"
)

// ErrSinkClosed is returned when writing to a sink that has been closed.
var ErrSinkClosed = errors.New("sink: closed")

// Event describes a change to a backfill run.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	RunID     int64     `json:"backfill_run_id"`
	Source    Source    `json:"source"`
}

// Source identifies the backfila instance an event originates from.
type Source struct {
	InstanceID string `json:"instance_id"`
	Addr       string `json:"addr,omitempty"`
}

func (e *Event) String() string {
	return fmt.Sprintf("%s(%s, run %d)", e.Action, e.ID, e.RunID)
}

// Envelope is the payload POSTed to endpoints.
type Envelope struct {
	Events []*Event `json:"events"`
}

// Sink accepts events. Writes may block, callers that must not block wrap sinks in a queue.
type Sink interface {
	Write(event *Event) error
	Close() error
}
