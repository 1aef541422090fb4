package stream

import (
	"context"
	"iter"
	"sync"
)

// Group is one live per-key partition produced by GroupBy. Its items are
// consumed with Items, independently of other groups.
type Group[K comparable, T any] struct {
	key   K
	q     *Queue[T]
	once  sync.Once
	unreg func(*Group[K, T])
}

// Key returns the grouping key.
func (g *Group[K, T]) Key() K { return g.key }

// Items yields the group's items in source order until the group is
// closed and drained.
func (g *Group[K, T]) Items() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, ok, _ := g.q.Pop(context.Background())
			if !ok || !yield(v) {
				return
			}
		}
	}
}

// Close completes the group and removes it from its registry. Items
// already written stay readable; later writes are dropped. A new item with
// the same key starts a new group. Close is idempotent.
func (g *Group[K, T]) Close() {
	g.once.Do(func() {
		g.unreg(g)
		g.q.Close()
	})
}

// Done returns a channel closed when the group is closed.
func (g *Group[K, T]) Done() <-chan struct{} { return g.q.Done() }

// registry maps each key to its single live group.
type registry[K comparable, T any] struct {
	mu     sync.Mutex
	groups map[K]*Group[K, T]
}

func (r *registry[K, T]) getOrCreate(k K, capacity int) (*Group[K, T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[k]; ok {
		return g, false
	}
	g := &Group[K, T]{key: k, q: NewQueue[T](capacity), unreg: r.remove}
	r.groups[k] = g
	return g, true
}

// remove drops g only if it is still the live group for its key.
func (r *registry[K, T]) remove(g *Group[K, T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.groups[g.key]; ok && cur == g {
		delete(r.groups, g.key)
	}
}

func (r *registry[K, T]) closeAll() {
	r.mu.Lock()
	live := make([]*Group[K, T], 0, len(r.groups))
	for _, g := range r.groups {
		live = append(live, g)
	}
	r.mu.Unlock()
	for _, g := range live {
		g.Close()
	}
}

// GroupBy partitions src into per-key groups created on demand. For each
// item, key computes its key; the first item of a key with no live group
// creates one, which is yielded before the item is written into it so the
// consumer can start reading right away.
//
// When src ends for any reason (normal end, fault, cancellation, or the
// consumer stopping early) every live group is closed. A fault from src or
// from key is yielded after that; cancellation ends silently.
//
// Group queues are bounded (DefaultCapacity unless configured). Consume
// groups concurrently: a full group blocks the whole source.
func GroupBy[K comparable, T any](ctx context.Context, src iter.Seq2[T, error], key func(context.Context, T) (K, error), opts ...Option) iter.Seq2[*Group[K, T], error] {
	cfg := newConfig(opts)
	return func(yield func(*Group[K, T], error) bool) {
		reg := &registry[K, T]{groups: make(map[K]*Group[K, T])}

		fault := func() error {
			defer reg.closeAll()
			for v, err := range src {
				if err != nil {
					return faultOf(err)
				}
				if ctx.Err() != nil {
					return nil
				}
				k, err := key(ctx, v)
				if err != nil {
					return faultOf(err)
				}
				g, created := reg.getOrCreate(k, cfg.capacity)
				if created && !yield(g, nil) {
					return nil
				}
				if err := g.q.Push(ctx, v); err != nil && err != ErrQueueClosed {
					return nil
				}
			}
			return nil
		}()

		if fault != nil {
			yield(nil, fault)
		}
	}
}
