package confluence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nevindra/confluence/stream"
)

// RunState represents the lifecycle state of a run.
type RunState int32

const (
	// RunPending indicates the run was begun but is waiting for the run it
	// superseded to wind down.
	RunPending RunState = iota
	// RunRunning indicates the loop is in progress.
	RunRunning
	// RunCompleted indicates the loop ended normally.
	RunCompleted
	// RunFailed indicates the run ended with a fault.
	RunFailed
	// RunCancelled indicates the run's context was cancelled.
	RunCancelled
	// RunSuperseded indicates a newer run for the same conversation replaced it.
	RunSuperseded
)

// String returns the state name.
func (s RunState) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunCancelled:
		return "cancelled"
	case RunSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final.
func (s RunState) IsTerminal() bool {
	return s >= RunCompleted
}

// ErrSuperseded is the cancellation cause of a run replaced by a newer one.
var ErrSuperseded = errors.New("superseded by a newer run")

// RunHandle holds the cancellation control of one conversation's run.
// All methods are safe for concurrent use.
type RunHandle struct {
	id             string
	conversationID string
	started        time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
	state  atomic.Int32
	done   chan struct{}
	once   sync.Once
	err    error
	ended  time.Time

	prev *RunHandle // superseded run; touched only by the run's own goroutine
}

// ID returns the unique run identifier (UUIDv7, time-sortable).
func (h *RunHandle) ID() string { return h.id }

// ConversationID returns the conversation the run belongs to.
func (h *RunHandle) ConversationID() string { return h.conversationID }

// Context returns the run's context. It is cancelled on supersession,
// Cancel, or End.
func (h *RunHandle) Context() context.Context { return h.ctx }

// State returns the current state.
func (h *RunHandle) State() RunState { return RunState(h.state.Load()) }

// Done returns a channel closed when the run has ended.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Err returns the run's fault. Only meaningful after Done is closed.
func (h *RunHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Started returns when the run began.
func (h *RunHandle) Started() time.Time { return h.started }

// Ended returns when the run ended. Only meaningful after Done is closed.
func (h *RunHandle) Ended() time.Time {
	select {
	case <-h.done:
		return h.ended
	default:
		return time.Time{}
	}
}

// Cancel requests cancellation. Non-blocking.
func (h *RunHandle) Cancel() { h.cancel(context.Canceled) }

func (h *RunHandle) finish(err error) {
	h.once.Do(func() {
		var s RunState
		switch {
		case errors.Is(context.Cause(h.ctx), ErrSuperseded):
			s = RunSuperseded
		case stream.Classify(err) == stream.Failed:
			s = RunFailed
			h.err = err
		case err != nil || h.ctx.Err() != nil:
			s = RunCancelled
		default:
			s = RunCompleted
		}
		h.ended = time.Now()
		h.state.Store(int32(s))
		h.cancel(nil)
		close(h.done)
	})
}

// RegistryOption configures a RunRegistry.
type RegistryOption func(*RunRegistry)

// RegistrySupersedeTimeout bounds how long Settle waits for a superseded run.
func RegistrySupersedeTimeout(d time.Duration) RegistryOption {
	return func(r *RunRegistry) { r.timeout = d }
}

// RegistryLogger sets the structured logger for run lifecycle events.
func RegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *RunRegistry) { r.logger = l }
}

// RunRegistry keeps at most one current run per conversation.
// It is safe for concurrent use.
type RunRegistry struct {
	mu      sync.Mutex
	runs    map[string]*RunHandle
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunRegistry creates an empty registry.
func NewRunRegistry(opts ...RegistryOption) *RunRegistry {
	r := &RunRegistry{runs: make(map[string]*RunHandle), timeout: DefaultSupersedeTimeout}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Begin registers a new run for conversationID. Any current run for the
// conversation is cancelled with ErrSuperseded inside the same critical
// section that installs the new handle, so two handles are never current
// at once. Call Settle before touching shared state and End when done.
func (r *RunRegistry) Begin(ctx context.Context, conversationID string) *RunHandle {
	runCtx, cancel := context.WithCancelCause(ctx)
	h := &RunHandle{
		id:             NewID(),
		conversationID: conversationID,
		started:        time.Now(),
		ctx:            runCtx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	h.state.Store(int32(RunPending))

	r.mu.Lock()
	prev := r.runs[conversationID]
	if prev != nil {
		prev.cancel(ErrSuperseded)
	}
	h.prev = prev
	r.runs[conversationID] = h
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("run superseded", "conversation", conversationID, "run_id", prev.id, "by", h.id)
	}
	r.logger.Debug("run begun", "conversation", conversationID, "run_id", h.id)
	return h
}

// Settle waits for the run h superseded to end, bounded by the registry's
// supersede timeout, then marks h running. It returns h's context error if
// h itself is cancelled while waiting.
func (r *RunRegistry) Settle(h *RunHandle) error {
	if prev := h.prev; prev != nil {
		h.prev = nil
		timer := time.NewTimer(r.timeout)
		select {
		case <-prev.done:
			timer.Stop()
		case <-timer.C:
			r.logger.Warn("superseded run did not end in time",
				"conversation", h.conversationID, "run_id", prev.id, "timeout", r.timeout)
		case <-h.ctx.Done():
			timer.Stop()
			return h.ctx.Err()
		}
	}
	if err := h.ctx.Err(); err != nil {
		return err
	}
	h.state.CompareAndSwap(int32(RunPending), int32(RunRunning))
	return nil
}

// End finishes h with err and removes it if it is still the current run of
// its conversation. End is idempotent.
func (r *RunRegistry) End(h *RunHandle, err error) {
	h.finish(err)

	r.mu.Lock()
	if cur, ok := r.runs[h.conversationID]; ok && cur == h {
		delete(r.runs, h.conversationID)
	}
	r.mu.Unlock()

	r.logger.Debug("run ended", "conversation", h.conversationID, "run_id", h.id,
		"state", h.State(), "duration", h.ended.Sub(h.started))
}

// Current returns the current run of conversationID.
func (r *RunRegistry) Current(conversationID string) (*RunHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.runs[conversationID]
	return h, ok
}

// Cancel cancels the current run of conversationID. It reports whether a
// run was found.
func (r *RunRegistry) Cancel(conversationID string) bool {
	h, ok := r.Current(conversationID)
	if ok {
		h.Cancel()
	}
	return ok
}

// Active returns the number of current runs.
func (r *RunRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
