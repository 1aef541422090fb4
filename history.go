package confluence

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// History is an ordered, append-only conversation log. Messages are never
// mutated after being appended. It is safe for concurrent use.
type History struct {
	mu       sync.RWMutex
	messages []Message
	calls    map[string]struct{} // tool-call ids requested so far
	onAppend func([]Message)
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{calls: make(map[string]struct{})}
}

// HistoryFrom returns a history seeded with messages, validated as one
// Append. It fails with ErrUnknownToolCall if a tool message answers no
// earlier call.
func HistoryFrom(messages ...Message) (*History, error) {
	h := NewHistory()
	if err := h.Append(context.Background(), messages...); err != nil {
		return nil, fmt.Errorf("seed history: %w", err)
	}
	return h, nil
}

// Append adds messages as one atomic unit: either all are appended or none
// are. Every tool message must answer a call id requested earlier in this
// history or earlier in the same batch (ErrUnknownToolCall). Once ctx is
// done the append is refused with an error wrapping ErrRunEnded and the
// context's cause, so a cancelled run cannot write.
func (h *History) Append(ctx context.Context, messages ...Message) error {
	if len(messages) == 0 {
		return nil
	}
	h.mu.Lock()
	if ctx.Err() != nil {
		h.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrRunEnded, ctx.Err())
	}

	pending := make(map[string]struct{})
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			pending[tc.ID] = struct{}{}
		}
		if m.Role != RoleTool {
			continue
		}
		_, known := h.calls[m.ToolCallID]
		_, inBatch := pending[m.ToolCallID]
		if !known && !inBatch {
			h.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrUnknownToolCall, m.ToolCallID)
		}
	}

	start := len(h.messages)
	for _, m := range messages {
		m.ToolCalls = slices.Clone(m.ToolCalls)
		h.messages = append(h.messages, m)
	}
	for id := range pending {
		h.calls[id] = struct{}{}
	}
	added := h.messages[start:len(h.messages):len(h.messages)]
	notify := h.onAppend
	h.mu.Unlock()

	if notify != nil {
		notify(added)
	}
	return nil
}

// Messages returns a copy of the history.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.messages)
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

func (h *History) setOnAppend(fn func([]Message)) {
	h.mu.Lock()
	h.onAppend = fn
	h.mu.Unlock()
}
