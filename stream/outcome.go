// Package stream provides generic operators over lazy, single-pass
// sequences (iter.Seq2[T, error]): an ordered-arrival fan-in merge, a
// dynamic per-key grouping, and wrappers that turn a failing or cancelled
// tail into a clean end or a terminal sentinel item.
//
// Conventions shared by every operator:
//
//   - A non-nil error yielded by a sequence is a fault. It is the last
//     element the sequence yields.
//   - Cancellation is never reported as an error value. A sequence whose
//     context ends simply stops.
//   - Hand-offs between goroutines go through a bounded Queue by default.
//     Unbounded() is an explicit opt-in.
package stream

import (
	"context"
	"errors"
)

// Outcome tags how an operation crossing a concurrency boundary ended.
type Outcome int

const (
	// OK means the operation completed normally.
	OK Outcome = iota
	// Cancelled means the operation was stopped by its context.
	Cancelled
	// Failed means the operation reported a fault.
	Failed
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Classify maps an error to its Outcome. context.Canceled and
// context.DeadlineExceeded (wrapped or not) are cancellations.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Cancelled
	default:
		return Failed
	}
}

// Option configures the queues used by Merge, MergeAll and GroupBy.
type Option func(*config)

type config struct {
	capacity int
}

// WithCapacity sets the bounded queue capacity. n <= 0 is ignored.
func WithCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// Unbounded makes the queue grow without limit. Producers never block,
// so a slow consumer lets memory grow with the backlog.
func Unbounded() Option {
	return func(c *config) { c.capacity = 0 }
}

func newConfig(opts []Option) config {
	c := config{capacity: DefaultCapacity}
	for _, o := range opts {
		o(&c)
	}
	return c
}
