package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nevindra/confluence"
	"github.com/nevindra/confluence/stream"
)

// conversationScheme prefixes the resource URI of every conversation.
const conversationScheme = "conversation://"

// ConversationURI returns the resource URI of a conversation's history.
func ConversationURI(conversationID string) string {
	return conversationScheme + conversationID
}

// RegisterAgent exposes agent through s:
//
//   - tool "prompt" runs a prompt in a conversation and returns the answer
//   - tool "cancel" cancels a conversation's running loop
//   - tool "runs" lists journaled runs (only when journal is non-nil)
//   - resource template conversation://{id} serves each history as JSON
//
// History changes are pushed as notifications/resources/updated to clients
// subscribed to the conversation, and new conversations as
// notifications/resources/list_changed.
func RegisterAgent(s *Server, agent *confluence.Agent, journal confluence.Journal) {
	b := &agentBridge{agent: agent, journal: journal, known: make(map[string]struct{})}

	s.AddTool(ToolHandler{
		Definition: ToolDefinition{
			Name:        "prompt",
			Description: "Send a prompt to the agent in a conversation and wait for its answer. A new prompt cancels the conversation's running one.",
			InputSchema: objectSchema(map[string]any{
				"conversation_id": map[string]any{"type": "string", "description": "Conversation to run in"},
				"prompt":          map[string]any{"type": "string", "description": "User prompt"},
			}, "conversation_id", "prompt"),
		},
		Execute: b.prompt,
	})
	s.AddTool(ToolHandler{
		Definition: ToolDefinition{
			Name:        "cancel",
			Description: "Cancel the running prompt of a conversation.",
			InputSchema: objectSchema(map[string]any{
				"conversation_id": map[string]any{"type": "string"},
			}, "conversation_id"),
		},
		Execute: b.cancel,
	})
	if journal != nil {
		s.AddTool(ToolHandler{
			Definition: ToolDefinition{
				Name:        "runs",
				Description: "List recent runs, newest first, optionally for one conversation.",
				InputSchema: objectSchema(map[string]any{
					"conversation_id": map[string]any{"type": "string"},
					"limit":           map[string]any{"type": "integer", "minimum": 1},
				}),
			},
			Execute: b.runs,
		})
	}

	s.AddResourceTemplate(ResourceTemplate{
		URITemplate: conversationScheme + "{id}",
		Name:        "conversation",
		Description: "Message history of a conversation",
		MimeType:    "application/json",
		List:        b.list,
		Read:        b.read,
	})

	agent.OnChange(func(id string) {
		if b.remember(id) {
			s.NotifyListChanged()
		}
		s.NotifyUpdated(ConversationURI(id))
	})
}

type agentBridge struct {
	agent   *confluence.Agent
	journal confluence.Journal

	mu    sync.Mutex
	known map[string]struct{}
}

// remember records id and reports whether it was new.
func (b *agentBridge) remember(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.known[id]; ok {
		return false
	}
	b.known[id] = struct{}{}
	return true
}

func (b *agentBridge) prompt(ctx context.Context, args json.RawMessage) ToolCallResult {
	var params struct {
		ConversationID string `json:"conversation_id"`
		Prompt         string `json:"prompt"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error())
	}
	if params.ConversationID == "" || params.Prompt == "" {
		return ErrorResult("conversation_id and prompt are required")
	}

	var answer *confluence.AgentResponse
	for r := range stream.Catch(b.agent.Run(ctx, params.ConversationID, params.Prompt), confluence.FailureResponse) {
		if r.StopReason == confluence.StopReasonError {
			return ErrorResult(r.Message.Content)
		}
		// The loop's terminal answer. Tool requests and their trailing usage
		// carry the tool-calls reason; later responses come from resource
		// changes and reach the client as history updates.
		if r.ResourceURI == "" && r.StopReason != confluence.StopReasonToolCalls {
			answer = &r
			break
		}
	}
	if answer == nil {
		return ErrorResult("run ended without an answer: cancelled or superseded")
	}

	text := answer.Message.Content
	if pending := b.agent.Subscriptions(params.ConversationID); len(pending) > 0 {
		text += fmt.Sprintf("\n\n[waiting on %s; follow %s for updates]",
			strings.Join(pending, ", "), ConversationURI(params.ConversationID))
	}
	return TextResult(text)
}

func (b *agentBridge) cancel(_ context.Context, args json.RawMessage) ToolCallResult {
	var params struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ErrorResult("invalid arguments: " + err.Error())
	}
	if b.agent.Cancel(params.ConversationID) {
		return TextResult("cancelled")
	}
	return TextResult("no run in progress")
}

func (b *agentBridge) runs(ctx context.Context, args json.RawMessage) ToolCallResult {
	var params struct {
		ConversationID string `json:"conversation_id"`
		Limit          int    `json:"limit"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return ErrorResult("invalid arguments: " + err.Error())
		}
	}
	if params.Limit <= 0 {
		params.Limit = 20
	}
	recs, err := b.journal.ListRuns(ctx, params.ConversationID, params.Limit)
	if err != nil {
		return ErrorResult("list runs: " + err.Error())
	}
	if recs == nil {
		recs = []confluence.RunRecord{}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return ErrorResult("encode runs: " + err.Error())
	}
	return TextResult(string(data))
}

func (b *agentBridge) list() []Resource {
	ids := b.agent.Conversations()
	out := make([]Resource, len(ids))
	for i, id := range ids {
		out[i] = Resource{
			URI:  ConversationURI(id),
			Name: id,
		}
	}
	return out
}

func (b *agentBridge) read(uri string) (string, bool) {
	id, ok := strings.CutPrefix(uri, conversationScheme)
	if !ok || id == "" {
		return "", false
	}
	history := b.agent.History(id)
	if history == nil {
		return "", false
	}
	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return "", false
	}
	return string(data), true
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
