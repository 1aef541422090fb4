package stream

import (
	"context"
	"iter"
)

// Collect drains seq into a slice. It stops at the first fault and returns
// the items gathered so far along with it.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Empty returns a sequence that yields nothing.
func Empty[T any]() iter.Seq2[T, error] {
	return func(func(T, error) bool) {}
}

// FromChannel yields values received from ch until it is closed or ctx ends.
func FromChannel[T any](ctx context.Context, ch <-chan T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			select {
			case v, ok := <-ch:
				if !ok || !yield(v, nil) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
