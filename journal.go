package confluence

import (
	"context"
	"time"
)

// RunRecord is the journal entry of one finished run.
type RunRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Prompt         string    `json:"prompt"`
	State          string    `json:"state"`
	Error          string    `json:"error,omitempty"`
	Responses      int       `json:"responses"`
	Usage          Usage     `json:"usage"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at"`
}

// Journal records run lifecycles. Implementations must be safe for
// concurrent use. The journal/sqlite package provides one.
type Journal interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	// ListRuns returns the most recent runs of conversationID, newest
	// first. An empty conversationID lists runs of every conversation.
	ListRuns(ctx context.Context, conversationID string, limit int) ([]RunRecord, error)
}
