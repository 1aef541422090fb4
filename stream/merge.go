package stream

import (
	"context"
	"iter"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Merge fans the given sources into one sequence. Items arrive in the order
// producers complete them, not in source order. See MergeAll.
func Merge[T any](ctx context.Context, sources ...iter.Seq2[T, error]) iter.Seq2[T, error] {
	return MergeAll(ctx, Of(sources...))
}

// MergeAll fans a progressively discovered set of sources into one
// sequence. Each source is pumped by its own goroutine into a shared queue
// (bounded at DefaultCapacity unless configured), so a fast producer blocks
// instead of growing memory.
//
// The merged sequence ends when the discovery sequence and every discovered
// source have ended. If a source (or the discovery sequence) faults, the
// queue is closed so remaining producers stop at their next item, items
// already queued are delivered, and then the fault is yielded once. If ctx
// ends, or the consumer stops early, the merged sequence ends without an
// error.
//
// Sources are not context-aware: a producer blocked inside its own
// iteration is only released by its own context.
func MergeAll[T any](ctx context.Context, sources iter.Seq2[iter.Seq2[T, error], error], opts ...Option) iter.Seq2[T, error] {
	cfg := newConfig(opts)
	return func(yield func(T, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		q := NewQueue[T](cfg.capacity)
		defer q.Close()

		var (
			mu    sync.Mutex
			fault error
		)
		fail := func(err error) error {
			if err == nil {
				return nil
			}
			mu.Lock()
			if fault == nil {
				fault = err
			}
			mu.Unlock()
			q.Close()
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			for src, err := range sources {
				if err != nil {
					return fail(faultOf(err))
				}
				if gctx.Err() != nil {
					return nil
				}
				g.Go(func() error { return fail(pump(gctx, src, q)) })
			}
			return nil
		})
		go func() {
			_ = g.Wait()
			q.Close()
		}()

		for {
			v, ok, err := q.Pop(ctx)
			if err != nil {
				return
			}
			if !ok {
				break
			}
			if !yield(v, nil) {
				return
			}
		}

		mu.Lock()
		err := fault
		mu.Unlock()
		if err != nil {
			var zero T
			yield(zero, err)
		}
	}
}

// pump copies one source into q. It returns a fault only for
// non-cancellation errors from the source. A failed push means the merge
// is shutting down and ends the pump quietly.
func pump[T any](ctx context.Context, src iter.Seq2[T, error], q *Queue[T]) error {
	for v, err := range src {
		if err != nil {
			return faultOf(err)
		}
		if q.Push(ctx, v) != nil {
			return nil
		}
	}
	return nil
}

// faultOf drops cancellations so they end a producer without failing the group.
func faultOf(err error) error {
	if Classify(err) == Failed {
		return err
	}
	return nil
}

// Of returns a sequence yielding each of the given sources.
func Of[T any](sources ...iter.Seq2[T, error]) iter.Seq2[iter.Seq2[T, error], error] {
	return func(yield func(iter.Seq2[T, error], error) bool) {
		for _, s := range sources {
			if !yield(s, nil) {
				return
			}
		}
	}
}
