package confluence

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"

	"github.com/nevindra/confluence/stream"
)

// ResourceWatcher is told when a resource URI gains its first subscriber
// (Watch) or loses its last one (Unwatch). Implementations report changes
// back through Agent.NotifyResourceChanged.
type ResourceWatcher interface {
	Watch(uri string) error
	Unwatch(uri string)
}

// ResourceFeed carries responses produced by resource re-invocations for
// one conversation. It is a re-openable queue: the first subscription opens
// a generation, removing the last subscription closes it, and the next
// subscription opens a fresh one. Followers tolerate a generation ending
// and pick up the next.
type ResourceFeed struct {
	mu        sync.Mutex
	subs      map[string]struct{}
	gen       *stream.Queue[AgentResponse]
	reopened  chan struct{} // closed and replaced when a generation opens
	followers int
	capacity  int
}

// NewResourceFeed returns a closed feed. capacity <= 0 uses
// stream.DefaultCapacity.
func NewResourceFeed(capacity int) *ResourceFeed {
	if capacity <= 0 {
		capacity = stream.DefaultCapacity
	}
	return &ResourceFeed{
		subs:     make(map[string]struct{}),
		reopened: make(chan struct{}),
		capacity: capacity,
	}
}

// Subscribe adds uri, opening a new generation if the feed was closed. It
// reports whether uri was newly added.
func (f *ResourceFeed) Subscribe(uri string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[uri]; ok {
		return false
	}
	f.subs[uri] = struct{}{}
	if f.gen == nil {
		f.gen = stream.NewQueue[AgentResponse](f.capacity)
		close(f.reopened)
		f.reopened = make(chan struct{})
	}
	return true
}

// Unsubscribe removes uri, closing the current generation when it was the
// last subscription. It reports whether uri was subscribed.
func (f *ResourceFeed) Unsubscribe(uri string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[uri]; !ok {
		return false
	}
	delete(f.subs, uri)
	if len(f.subs) == 0 && f.gen != nil {
		f.gen.Close()
		f.gen = nil
	}
	return true
}

// Subscriptions returns the subscribed URIs, sorted.
func (f *ResourceFeed) Subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for uri := range f.subs {
		out = append(out, uri)
	}
	slices.Sort(out)
	return out
}

// Open reports whether a generation is open.
func (f *ResourceFeed) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen != nil
}

// Publish writes r into the open generation, blocking while it is full.
// With no open generation or no follower, r is dropped.
func (f *ResourceFeed) Publish(ctx context.Context, r AgentResponse) error {
	f.mu.Lock()
	q := f.gen
	followed := f.followers > 0
	f.mu.Unlock()
	if q == nil || !followed {
		return nil
	}
	if err := q.Push(ctx, r); err != nil && !errors.Is(err, stream.ErrQueueClosed) {
		return err
	}
	return nil
}

func (f *ResourceFeed) current() (*stream.Queue[AgentResponse], <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen, f.reopened
}

// Follow yields published responses across generations. While no
// generation is open it waits for one to open, until alive is closed.
// It ends when ctx ends, or when alive is closed and no generation is
// open.
func (f *ResourceFeed) Follow(ctx context.Context, alive <-chan struct{}) iter.Seq2[AgentResponse, error] {
	return func(yield func(AgentResponse, error) bool) {
		f.mu.Lock()
		f.followers++
		f.mu.Unlock()
		defer func() {
			f.mu.Lock()
			f.followers--
			f.mu.Unlock()
		}()

		for {
			q, reopened := f.current()
			if q != nil {
				for r, err := range q.All(ctx) {
					if err != nil || !yield(r, nil) {
						return
					}
				}
				if ctx.Err() != nil {
					return
				}
			}
			// reopened was captured with q, so it fires if a newer
			// generation has opened since.
			select {
			case <-reopened:
			case <-alive:
				if next, _ := f.current(); next == nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
