package confluence

import "context"

// conversationCtxKey is the context key for the running conversation id.
type conversationCtxKey struct{}

// WithConversationContext returns a child context carrying conversationID.
// Agent.Run sets it for the model calls and tool executions of a run.
func WithConversationContext(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationCtxKey{}, conversationID)
}

// ConversationFromContext retrieves the conversation id from ctx.
// Returns "", false outside a run.
func ConversationFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(conversationCtxKey{}).(string)
	return id, ok && id != ""
}
