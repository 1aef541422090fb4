package stream

import (
	"fmt"
	"iter"
)

// IgnoreCancellation passes src through, ending cleanly when pulling the
// next item reports a cancellation. Faults pass through unchanged.
func IgnoreCancellation[T any](src iter.Seq2[T, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		next, stop := iter.Pull2(src)
		defer stop()
		for {
			v, err, ok := next()
			if !ok {
				return
			}
			if err != nil && Classify(err) == Cancelled {
				return
			}
			if !yield(v, err) {
				return
			}
		}
	}
}

// Catch passes src through until pulling the next item faults or panics.
// It then stops pulling and yields exactly one item built by sentinel from
// the error, and ends. A cancellation ends the sequence without a sentinel.
// The returned sequence never yields a non-nil error.
func Catch[T any](src iter.Seq2[T, error], sentinel func(error) T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		next, stop := iter.Pull2(src)
		defer stop()
		for {
			v, err, ok := pull(next)
			if !ok {
				return
			}
			if err != nil {
				if Classify(err) == Failed {
					yield(sentinel(err), nil)
				}
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// pull calls next, converting a producer panic into an error.
func pull[T any](next func() (T, error, bool)) (v T, err error, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stream: producer panic: %v", p)
			ok = true
		}
	}()
	return next()
}
