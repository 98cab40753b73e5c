package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrQueueClosed is returned when sending to a closed Queue.
	ErrQueueClosed = errors.New("queue closed")
	// ErrInvalidCapacity is returned when setting a Queue capacity lower than one.
	ErrInvalidCapacity = errors.New("queue capacity must be greater than zero")
)

// Queue is a FIFO buffer whose capacity can change while it is in use. Senders block while the buffer is full and
// receivers block while it is empty. Lowering the capacity never drops buffered items, senders stay blocked until
// enough items are received. Closing lets receivers drain what is left.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool
	changed  chan struct{}
	onSize   func(int)
}

// QueueOption configures a Queue.
type QueueOption[T any] func(*Queue[T])

// WithSizeListener calls fn with the number of buffered items every time it changes.
func WithSizeListener[T any](fn func(int)) QueueOption[T] {
	return func(q *Queue[T]) {
		q.onSize = fn
	}
}

// NewQueue creates a Queue with the given capacity.
func NewQueue[T any](capacity int, opts ...QueueOption[T]) (*Queue[T], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}

	q := &Queue[T]{capacity: capacity, changed: make(chan struct{})}
	for _, opt := range opts {
		opt(q)
	}

	return q, nil
}

// broadcast wakes up every blocked sender and receiver. Must be called with q.mu held.
func (q *Queue[T]) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue[T]) sizeChanged() {
	if q.onSize != nil {
		q.onSize(len(q.items))
	}
}

// Capacity returns the current capacity.
func (q *Queue[T]) Capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.capacity
}

// SetCapacity changes the capacity.
func (q *Queue[T]) SetCapacity(capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity != capacity {
		q.capacity = capacity
		q.broadcast()
	}
	return nil
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// TrySend buffers v if there is room. It never blocks.
func (q *Queue[T]) TrySend(v T) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		return false, nil
	}

	q.items = append(q.items, v)
	q.sizeChanged()
	q.broadcast()
	return true, nil
}

// Send buffers v, blocking until there is room, the queue is closed or ctx is done.
func (q *Queue[T]) Send(ctx context.Context, v T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, v)
			q.sizeChanged()
			q.broadcast()
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// TryReceive returns the oldest buffered item if any. It never blocks.
func (q *Queue[T]) TryReceive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.pop()
}

func (q *Queue[T]) pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.sizeChanged()
	q.broadcast()
	return v, true
}

// Receive returns the oldest buffered item, blocking until one is available or ctx is done. The returned bool is false
// once the queue is closed and drained.
func (q *Queue[T]) Receive(ctx context.Context) (T, bool, error) {
	for {
		q.mu.Lock()
		if v, ok := q.pop(); ok {
			q.mu.Unlock()
			return v, true, nil
		}
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, false, nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, false, ctx.Err()
		case <-changed:
		}
	}
}

// Close stops accepting new items. Buffered items can still be received.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		q.broadcast()
	}
}
