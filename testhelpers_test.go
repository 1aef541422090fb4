package confluence

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"time"
)

// --- Model stubs ---

// scriptedModel answers each Prompt call with respond(call, req). Calls are
// counted from 0 and every request is recorded.
type scriptedModel struct {
	mu       sync.Mutex
	calls    int
	requests []PromptRequest
	respond  func(call int, req PromptRequest) ([]AgentResponse, error)
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Prompt(ctx context.Context, req PromptRequest) ([]AgentResponse, error) {
	m.mu.Lock()
	call := m.calls
	m.calls++
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.respond(call, req)
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *scriptedModel) request(i int) PromptRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// replyText builds a terminal response.
func replyText(text string) AgentResponse {
	return AgentResponse{Message: AssistantMessage(text), StopReason: StopReasonStop}
}

// replyCalls builds a tool-calling response.
func replyCalls(calls ...ToolCall) AgentResponse {
	return AgentResponse{Message: ToolRequestMessage("", calls...), StopReason: StopReasonToolCalls}
}

// toolsThenText requests calls on the first model call and answers text after.
func toolsThenText(text string, calls ...ToolCall) *scriptedModel {
	return &scriptedModel{respond: func(call int, _ PromptRequest) ([]AgentResponse, error) {
		if call == 0 {
			return []AgentResponse{replyCalls(calls...)}, nil
		}
		return []AgentResponse{replyText(text)}, nil
	}}
}

// blockingModel blocks every Prompt until ctx ends, signalling started first.
type blockingModel struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingModel() *blockingModel {
	return &blockingModel{started: make(chan struct{})}
}

func (m *blockingModel) Name() string { return "blocking" }

func (m *blockingModel) Prompt(ctx context.Context, _ PromptRequest) ([]AgentResponse, error) {
	m.once.Do(func() { close(m.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

// streamingModel streams pre-configured updates.
type streamingModel struct {
	scriptedModel
	updates []ResponseUpdate
	err     error
}

func (m *streamingModel) PromptStream(_ context.Context, _ PromptRequest) iter.Seq2[ResponseUpdate, error] {
	return func(yield func(ResponseUpdate, error) bool) {
		for _, u := range m.updates {
			if !yield(u, nil) {
				return
			}
		}
		if m.err != nil {
			yield(ResponseUpdate{}, m.err)
		}
	}
}

// --- Tool mocks ---

// funcTool exposes one tool function backed by fn.
type funcTool struct {
	name string
	fn   func(ctx context.Context, args json.RawMessage) (ToolResult, error)
}

func (f funcTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: f.name, Description: "test tool " + f.name}}
}

func (f funcTool) Execute(ctx context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	return f.fn(ctx, args)
}

func echoTool() funcTool {
	return funcTool{name: "echo", fn: func(_ context.Context, args json.RawMessage) (ToolResult, error) {
		return ToolResult{Content: string(args)}, nil
	}}
}

func errTool() funcTool {
	return funcTool{name: "fail", fn: func(context.Context, json.RawMessage) (ToolResult, error) {
		return ToolResult{}, errors.New("tool broken")
	}}
}

func panicTool() funcTool {
	return funcTool{name: "explode", fn: func(context.Context, json.RawMessage) (ToolResult, error) {
		panic("kaboom")
	}}
}

func sleepTool(d time.Duration, content string) funcTool {
	return funcTool{name: "sleep_" + content, fn: func(ctx context.Context, _ json.RawMessage) (ToolResult, error) {
		select {
		case <-time.After(d):
			return ToolResult{Content: content}, nil
		case <-ctx.Done():
			return ToolResult{}, ctx.Err()
		}
	}}
}

func call(id, name string) ToolCall {
	return ToolCall{ID: id, Name: name, Args: json.RawMessage(`{}`)}
}

// --- Journal fake ---

type memJournal struct {
	mu   sync.Mutex
	runs []RunRecord
}

func (j *memJournal) RecordRun(_ context.Context, rec RunRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs = append(j.runs, rec)
	return nil
}

func (j *memJournal) ListRuns(_ context.Context, conversationID string, limit int) ([]RunRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []RunRecord
	for i := len(j.runs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if conversationID == "" || j.runs[i].ConversationID == conversationID {
			out = append(out, j.runs[i])
		}
	}
	return out, nil
}

func (j *memJournal) snapshot() []RunRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]RunRecord(nil), j.runs...)
}

// collect drains seq, returning responses and the fault, if any.
func collect(seq iter.Seq2[AgentResponse, error]) ([]AgentResponse, error) {
	var out []AgentResponse
	for r, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}
