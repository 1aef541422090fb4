package stream

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// DefaultCapacity is the queue capacity used by Merge, MergeAll and GroupBy
// when no WithCapacity option is given.
const DefaultCapacity = 1000

// ErrQueueClosed is returned by Queue.Push after Close.
var ErrQueueClosed = errors.New("stream: queue closed")

// Queue is a closable FIFO handing items from any number of concurrent
// writers to a single reader. A bounded queue blocks writers while full.
// A queue created with capacity <= 0 is unbounded.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	capacity int
	closed   bool

	readable chan struct{} // one-slot wakeup for the reader
	writable chan struct{} // one-slot wakeup for blocked writers
	done     chan struct{} // closed by Close
}

// NewQueue returns an empty queue. capacity <= 0 means unbounded.
func NewQueue[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		capacity: capacity,
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Push appends v, blocking while the queue is full. It returns
// ErrQueueClosed if the queue is (or becomes) closed, or ctx.Err() if ctx
// ends first. Callers that treat a closed queue as "nobody is listening
// anymore" can ignore ErrQueueClosed.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.capacity <= 0 || len(q.buf) < q.capacity {
			q.buf = append(q.buf, v)
			room := q.capacity <= 0 || len(q.buf) < q.capacity
			q.mu.Unlock()
			wake(q.readable)
			if room {
				// Pass the wakeup on to any other blocked writer.
				wake(q.writable)
			}
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.writable:
		case <-q.done:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop removes the oldest item. ok is false once the queue is closed and
// drained. err is non-nil only when ctx ends first.
func (q *Queue[T]) Pop(ctx context.Context) (v T, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			v = q.buf[0]
			var zero T
			q.buf[0] = zero
			q.buf = q.buf[1:]
			q.mu.Unlock()
			wake(q.writable)
			return v, true, nil
		}
		if q.closed {
			q.mu.Unlock()
			return v, false, nil
		}
		q.mu.Unlock()

		select {
		case <-q.readable:
		case <-q.done:
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

// Close marks the queue complete. Items already queued remain readable.
// Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Done returns a channel closed by Close.
func (q *Queue[T]) Done() <-chan struct{} { return q.done }

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Cap returns the configured capacity (<= 0 for unbounded).
func (q *Queue[T]) Cap() int { return q.capacity }

// All drains the queue until it is closed and empty, or until ctx ends.
// Cancellation ends the sequence without an error.
func (q *Queue[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, ok, err := q.Pop(ctx)
			if err != nil || !ok {
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}
