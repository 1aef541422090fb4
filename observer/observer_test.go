package observer

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/nevindra/confluence"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockModel for observer tests.
type mockModel struct {
	name  string
	resps []confluence.AgentResponse
	err   error
}

func (m *mockModel) Name() string { return m.name }
func (m *mockModel) Prompt(_ context.Context, _ confluence.PromptRequest) ([]confluence.AgentResponse, error) {
	return m.resps, m.err
}

// mockStreamingModel streams fixed updates, then err.
type mockStreamingModel struct {
	mockModel
	updates []confluence.ResponseUpdate
}

func (m *mockStreamingModel) PromptStream(_ context.Context, _ confluence.PromptRequest) iter.Seq2[confluence.ResponseUpdate, error] {
	return func(yield func(confluence.ResponseUpdate, error) bool) {
		for _, u := range m.updates {
			if !yield(u, nil) {
				return
			}
		}
		if m.err != nil {
			yield(confluence.ResponseUpdate{}, m.err)
		}
	}
}

// mockTool for observer tests.
type mockTool struct {
	defs   []confluence.ToolDefinition
	result confluence.ToolResult
	err    error
}

func (m *mockTool) Definitions() []confluence.ToolDefinition { return m.defs }
func (m *mockTool) Execute(_ context.Context, _ string, _ json.RawMessage) (confluence.ToolResult, error) {
	return m.result, m.err
}

// testInstruments creates a no-op Instruments using the global OTEL providers
// (which are no-ops by default). This is safe for testing delegation behavior
// without any real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

// ---------------------------------------------------------------------------
// ObservedModel tests
// ---------------------------------------------------------------------------

func TestObservedModelName(t *testing.T) {
	om := WrapModel(&mockModel{name: "test-provider"}, "test-model", testInstruments(t))
	if got := om.Name(); got != "test-provider" {
		t.Errorf("Name() = %q, want %q", got, "test-provider")
	}
}

func TestObservedModelPrompt(t *testing.T) {
	want := confluence.AgentResponse{
		Message:    confluence.AssistantMessage("hello from LLM"),
		StopReason: confluence.StopReasonStop,
		Usage:      confluence.Usage{InputTokens: 10, OutputTokens: 5},
	}
	om := WrapModel(&mockModel{name: "p", resps: []confluence.AgentResponse{want}}, "gpt-4o", testInstruments(t))

	got, err := om.Prompt(context.Background(), confluence.PromptRequest{
		Tools: []confluence.ToolDefinition{{Name: "search"}},
	})
	if err != nil {
		t.Fatalf("Prompt returned unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Message.Content != want.Message.Content || got[0].Usage != want.Usage {
		t.Errorf("Prompt = %+v, want %+v", got, want)
	}
}

func TestObservedModelPromptError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	om := WrapModel(&mockModel{name: "p", err: wantErr}, "m", testInstruments(t))

	_, err := om.Prompt(context.Background(), confluence.PromptRequest{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Prompt error = %v, want %v", err, wantErr)
	}
}

func TestObservedModelStreamingPreserved(t *testing.T) {
	inst := testInstruments(t)
	if _, ok := WrapModel(&mockModel{}, "m", inst).(confluence.StreamingModelClient); ok {
		t.Error("non-streaming model wrapped as streaming")
	}

	inner := &mockStreamingModel{
		mockModel: mockModel{name: "p", err: errors.New("cut off")},
		updates: []confluence.ResponseUpdate{
			{MessageID: "m", Text: "hello"},
			{MessageID: "m", Text: " world", Usage: &confluence.Usage{InputTokens: 8, OutputTokens: 2}},
		},
	}
	sm, ok := WrapModel(inner, "m", inst).(confluence.StreamingModelClient)
	if !ok {
		t.Fatal("streaming model lost PromptStream")
	}

	var text string
	var gotErr error
	for u, err := range sm.PromptStream(context.Background(), confluence.PromptRequest{}) {
		if err != nil {
			gotErr = err
			break
		}
		text += u.Text
	}
	if text != "hello world" {
		t.Errorf("text = %q", text)
	}
	if gotErr == nil || gotErr.Error() != "cut off" {
		t.Errorf("stream error = %v", gotErr)
	}
}

// ---------------------------------------------------------------------------
// ObservedTool tests
// ---------------------------------------------------------------------------

func TestObservedToolDefinitions(t *testing.T) {
	defs := []confluence.ToolDefinition{
		{Name: "search", Description: "web search"},
		{Name: "calc", Description: "calculator"},
	}
	ot := WrapTool(&mockTool{defs: defs}, testInstruments(t))

	got := ot.Definitions()
	if len(got) != len(defs) {
		t.Fatalf("Definitions length = %d, want %d", len(got), len(defs))
	}
	for i, d := range got {
		if d.Name != defs[i].Name {
			t.Errorf("Definitions[%d].Name = %q, want %q", i, d.Name, defs[i].Name)
		}
	}
}

func TestObservedToolExecute(t *testing.T) {
	want := confluence.ToolResult{Content: "started", ResourceURI: "file:///tmp/x"}
	tools := WrapTools([]confluence.Tool{&mockTool{result: want}}, testInstruments(t))

	got, err := tools[0].Execute(context.Background(), "watch", json.RawMessage(`{"path":"/tmp/x"}`))
	if err != nil {
		t.Fatalf("Execute returned unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("Execute = %+v, want %+v", got, want)
	}
}

func TestObservedToolExecuteError(t *testing.T) {
	wantErr := errors.New("tool broken")
	ot := WrapTool(&mockTool{err: wantErr}, testInstruments(t))

	_, err := ot.Execute(context.Background(), "search", json.RawMessage(`{}`))
	if !errors.Is(err, wantErr) {
		t.Errorf("Execute error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// ObservedJournal tests
// ---------------------------------------------------------------------------

type memJournal struct{ runs []confluence.RunRecord }

func (j *memJournal) RecordRun(_ context.Context, rec confluence.RunRecord) error {
	j.runs = append(j.runs, rec)
	return nil
}

func (j *memJournal) ListRuns(context.Context, string, int) ([]confluence.RunRecord, error) {
	return j.runs, nil
}

func TestObservedJournalForwards(t *testing.T) {
	inner := &memJournal{}
	oj := WrapJournal(inner, testInstruments(t))
	now := time.Now()
	rec := confluence.RunRecord{ID: "r1", ConversationID: "c", State: "failed", Error: "boom", StartedAt: now, EndedAt: now.Add(time.Second)}

	if err := oj.RecordRun(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	runs, err := oj.ListRuns(context.Background(), "c", 10)
	if err != nil || len(runs) != 1 || runs[0].ID != "r1" {
		t.Errorf("ListRuns = %+v, %v", runs, err)
	}
}

func TestObservedJournalWithoutInner(t *testing.T) {
	oj := WrapJournal(nil, testInstruments(t))
	if err := oj.RecordRun(context.Background(), confluence.RunRecord{ID: "r"}); err != nil {
		t.Fatal(err)
	}
	if runs, err := oj.ListRuns(context.Background(), "", 0); runs != nil || err != nil {
		t.Errorf("ListRuns = %v, %v", runs, err)
	}
}

// ---------------------------------------------------------------------------
// Tracer tests
// ---------------------------------------------------------------------------

func TestTracerAdapter(t *testing.T) {
	tr := NewTracer()
	ctx, span := tr.Start(context.Background(), "op",
		confluence.StringAttr("k", "v"),
		confluence.IntAttr("n", 1),
		confluence.BoolAttr("b", true),
		confluence.Float64Attr("f", 1.5))
	if ctx == nil {
		t.Fatal("nil context")
	}
	span.SetAttr(confluence.SpanAttr{Key: "other", Value: []int{1}})
	span.Event("evt", confluence.StringAttr("x", "y"))
	span.Error(errors.New("failed"))
	span.End()
}

func TestToOTELAttr(t *testing.T) {
	tests := []struct {
		in   confluence.SpanAttr
		want string
	}{
		{confluence.StringAttr("s", "v"), "v"},
		{confluence.IntAttr("i", 3), "3"},
		{confluence.BoolAttr("b", true), "true"},
		{confluence.SpanAttr{Key: "x", Value: struct{ A int }{1}}, "{1}"},
	}
	for _, tt := range tests {
		kv := toOTELAttr(tt.in)
		if string(kv.Key) != tt.in.Key || kv.Value.Emit() != tt.want {
			t.Errorf("toOTELAttr(%+v) = %v=%q", tt.in, kv.Key, kv.Value.Emit())
		}
	}
}
