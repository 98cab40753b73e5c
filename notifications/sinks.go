package notifications

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/backfila/backfila/log"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
)

// DefaultBroadcasterFanoutTimeout is how long a closing broadcaster waits for the event being fanned out.
const DefaultBroadcasterFanoutTimeout = 15 * time.Second

var errAlreadyClosed = errors.New("already closed")

// Broadcaster sends events to multiple sinks. Sinks are expected to accept writes quickly, which is the case of
// endpoints as they queue events.
type Broadcaster struct {
	sinks []Sink

	eventsCh chan *Event
	doneCh   chan struct{}

	fanoutTimeout time.Duration
	logger        log.Logger

	wg sync.WaitGroup
}

// NewBroadcaster creates and starts a broadcaster.
func NewBroadcaster(fanoutTimeout time.Duration, sinks ...Sink) *Broadcaster {
	if fanoutTimeout <= 0 {
		fanoutTimeout = DefaultBroadcasterFanoutTimeout
	}
	b := &Broadcaster{
		sinks:         sinks,
		eventsCh:      make(chan *Event),
		doneCh:        make(chan struct{}),
		fanoutTimeout: fanoutTimeout,
		logger:        log.GetLogger().WithField("component", "backfila.notifications.Broadcaster"),
	}

	b.wg.Add(1)
	go b.run()

	return b
}

// Write hands an event to the broadcast loop. It blocks until the previous event was fanned out.
func (b *Broadcaster) Write(event *Event) error {
	// closing takes priority when both channels are ready
	select {
	case <-b.doneCh:
		return ErrSinkClosed
	default:
	}

	select {
	case b.eventsCh <- event:
		return nil
	case <-b.doneCh:
		return ErrSinkClosed
	}
}

// Close stops the broadcaster, waiting up to the fanout timeout for the event in flight, then closes every sink.
func (b *Broadcaster) Close() error {
	select {
	case <-b.doneCh:
		return errAlreadyClosed
	default:
		close(b.doneCh)
	}
	b.wg.Wait()

	var errs *multierror.Error
	for _, sink := range b.sinks {
		if err := sink.Close(); err != nil {
			errs = multierror.Append(errs, err)
			b.logger.WithError(err).Error("failed to close sink")
		}
	}

	return errs.ErrorOrNil()
}

func (b *Broadcaster) run() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.eventsCh:
			if !b.fanout(event) {
				return
			}
		case <-b.doneCh:
			return
		}
	}
}

// fanout writes event to every sink concurrently. It returns false if the broadcaster was closed meanwhile.
func (b *Broadcaster) fanout(event *Event) bool {
	if len(b.sinks) == 0 {
		return true
	}

	finishedCh := make(chan struct{}, len(b.sinks))
	for _, sink := range b.sinks {
		go func(s Sink) {
			if err := s.Write(event); err != nil {
				b.logger.WithError(err).WithField("event", event.String()).Error("failed to write event to sink, event lost")
			}
			finishedCh <- struct{}{}
		}(sink)
	}

	remaining := len(b.sinks)
	for remaining > 0 {
		select {
		case <-finishedCh:
			remaining--
		case <-b.doneCh:
			b.logger.WithField("sinks_remaining", remaining).Warn("received termination signal")
			timer := time.NewTimer(b.fanoutTimeout)
			defer timer.Stop()

			for remaining > 0 {
				select {
				case <-finishedCh:
					remaining--
				case <-timer.C:
					b.logger.WithField("sinks_remaining", remaining).Warn("fanout timeout reached, event dropped")
					return false
				}
			}
			return false
		}
	}

	return true
}

type eventQueueListener interface {
	ingress(event *Event)
	egress(event *Event)
	drop(event *Event)
}

// eventQueue accepts events into a bounded in-memory queue consumed by a sink on its own goroutine. Events are
// dropped when the queue is full.
type eventQueue struct {
	sink      Sink
	listeners []eventQueueListener
	logger    log.Logger

	doneCh      chan struct{}
	bufferInCh  chan *Event
	bufferOutCh chan *Event

	purgeTimeout time.Duration
	maxSize      int

	wgBufferer sync.WaitGroup
	wgSender   sync.WaitGroup
}

func newEventQueue(sink Sink, purgeTimeout time.Duration, maxSize int, listeners ...eventQueueListener) *eventQueue {
	eq := &eventQueue{
		sink:         sink,
		listeners:    listeners,
		logger:       log.GetLogger().WithField("component", "backfila.notifications.eventQueue"),
		doneCh:       make(chan struct{}),
		bufferInCh:   make(chan *Event),
		bufferOutCh:  make(chan *Event),
		purgeTimeout: purgeTimeout,
		maxSize:      maxSize,
	}

	eq.wgSender.Add(1)
	eq.wgBufferer.Add(1)
	go eq.sender()
	go eq.bufferer()

	return eq
}

// Write queues an event, failing only if the queue has been closed.
func (eq *eventQueue) Write(event *Event) error {
	select {
	case <-eq.doneCh:
		return ErrSinkClosed
	default:
	}

	select {
	case eq.bufferInCh <- event:
		return nil
	case <-eq.doneCh:
		return ErrSinkClosed
	}
}

func (eq *eventQueue) accept(events *list.List, event *Event) {
	for _, l := range eq.listeners {
		l.ingress(event)
	}
	if events.Len() < eq.maxSize {
		events.PushBack(event)
		return
	}

	for _, l := range eq.listeners {
		l.drop(event)
	}
	eq.logger.WithFields(log.Fields{"queue_size": events.Len(), "event_id": event.ID}).Warn("queue full, dropping event")
}

func (eq *eventQueue) bufferer() {
	defer eq.wgBufferer.Done()

	events := list.New()

main:
	for {
		// a nil channel disables the send case while the queue is empty
		var out chan *Event
		var front *list.Element
		if front = events.Front(); front != nil {
			out = eq.bufferOutCh
		}

		var next *Event
		if front != nil {
			next = front.Value.(*Event)
		}

		select {
		case event := <-eq.bufferInCh:
			eq.accept(events, event)
		case out <- next:
			events.Remove(front)
		case <-eq.doneCh:
			break main
		}
	}

	if events.Len() > 0 {
		eq.logger.WithField("remaining_events", events.Len()).Warn("received termination signal, purging queue")
	}

	timer := time.NewTimer(eq.purgeTimeout)
	defer timer.Stop()

purge:
	for events.Len() > 0 {
		front := events.Front()
		select {
		case eq.bufferOutCh <- front.Value.(*Event):
			events.Remove(front)
		case <-timer.C:
			break purge
		}
	}
	close(eq.bufferOutCh)

	for e := events.Front(); e != nil; e = e.Next() {
		eq.logger.WithField("event", e.Value.(*Event).String()).Warn("queue closed, event lost")
	}
}

func (eq *eventQueue) sender() {
	defer eq.wgSender.Done()

	for event := range eq.bufferOutCh {
		if err := eq.sink.Write(event); err != nil {
			eq.logger.WithError(err).WithField("event", event.String()).Warn("event lost")
		}
		for _, l := range eq.listeners {
			l.egress(event)
		}
	}
}

// Close stops accepting events, purges the queue within the purge timeout and closes the underlying sink.
func (eq *eventQueue) Close() error {
	select {
	case <-eq.doneCh:
		return errAlreadyClosed
	default:
		close(eq.doneCh)
	}

	// The bufferer must stop accepting events before the sink is closed, which in turn unblocks the sender.
	eq.wgBufferer.Wait()
	err := eq.sink.Close()
	eq.wgSender.Wait()

	return err
}

// ignoredSink discards events with ignored actions and passes the rest along.
type ignoredSink struct {
	Sink
	ignoredActions map[string]bool
}

func newIgnoredSink(sink Sink, ignoredActions []string) Sink {
	if len(ignoredActions) == 0 {
		return sink
	}

	ignored := make(map[string]bool, len(ignoredActions))
	for _, action := range ignoredActions {
		ignored[action] = true
	}

	return &ignoredSink{Sink: sink, ignoredActions: ignored}
}

// Write discards an event with an ignored action or passes it along.
func (s *ignoredSink) Write(event *Event) error {
	if event == nil || s.ignoredActions[event.Action] {
		return nil
	}
	return s.Sink.Write(event)
}

type deliveryListener interface {
	eventDelivered(retries int64)
	eventLost(retries int64)
}

// backoffSink retries writes to a sink with an exponential backoff, dropping the event once maxRetries is reached.
type backoffSink struct {
	doneCh    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	sink      Sink
	backoff   func() backoff.BackOff
	listeners []deliveryListener
	logger    log.Logger
}

func newBackoffSink(sink Sink, initialInterval time.Duration, maxRetries int, listeners ...deliveryListener) *backoffSink {
	bs := &backoffSink{
		doneCh:    make(chan struct{}),
		sink:      sink,
		listeners: listeners,
		logger:    log.GetLogger().WithField("component", "backfila.notifications.backoffSink"),
	}
	// closing the sink interrupts the wait between retries
	bs.ctx, bs.cancel = context.WithCancel(context.Background())
	bs.backoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff(backoff.WithInitialInterval(initialInterval))
		// nolint: gosec // maxRetries is validated to be positive
		return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), bs.ctx)
	}

	return bs
}

// Write attempts to write the event to the underlying sink, returning early if the sink is closed.
func (bs *backoffSink) Write(event *Event) error {
	var attempts int64

	op := func() error {
		attempts++

		select {
		case <-bs.doneCh:
			return backoff.Permanent(ErrSinkClosed)
		default:
		}

		if err := bs.sink.Write(event); err != nil {
			bs.logger.WithError(err).WithField("attempt", attempts).Warn("failed to write event")
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, bs.backoff()); err != nil {
		for _, l := range bs.listeners {
			l.eventLost(attempts - 1)
		}
		return err
	}

	for _, l := range bs.listeners {
		l.eventDelivered(attempts - 1)
	}
	return nil
}

// Close closes the sink and the underlying sink.
func (bs *backoffSink) Close() error {
	select {
	case <-bs.doneCh:
		return errAlreadyClosed
	default:
		close(bs.doneCh)
	}
	bs.cancel()

	return bs.sink.Close()
}
