package confluence

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/nevindra/confluence/stream"
)

// LoopState is the tool-calling state machine's current phase.
type LoopState int

const (
	// StatePrompting waits on a model call.
	StatePrompting LoopState = iota
	// StateResponding yields the model's responses to the caller.
	StateResponding
	// StateExecutingTools dispatches the requested tool calls.
	StateExecutingTools
	// StateTerminal means the run produced its final answer.
	StateTerminal
)

func (s LoopState) String() string {
	switch s {
	case StatePrompting:
		return "prompting"
	case StateResponding:
		return "responding"
	case StateExecutingTools:
		return "executing_tools"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// maxParallelDispatch caps the number of concurrent tool call goroutines
// to avoid overwhelming external services with unbounded parallelism.
const maxParallelDispatch = 10

// LoopRequest is the input of one tool-calling run.
type LoopRequest struct {
	// Prompt is appended to History as a user message when non-empty.
	Prompt string
	// History is the conversation the run reads and extends. A nil History
	// starts an empty one.
	History *History
	// Tools executes requested calls. Nil offers no tools.
	Tools ToolExecutor
	// MaxDepth overrides the loop's configured depth when > 0.
	MaxDepth int
	// Subscribe is called with the ResourceURI of every tool result that
	// carries one, after the tool turn is appended.
	Subscribe func(uri string)
}

// Loop drives a model through repeated tool calls until it stops.
type Loop struct {
	model ModelClient
	cfg   agentConfig
}

// NewLoop creates a loop over model. Only the model-facing options
// (system prompt, depth, temperature, streaming, tracer, logger) apply.
func NewLoop(model ModelClient, opts ...AgentOption) *Loop {
	return &Loop{model: model, cfg: buildConfig(opts)}
}

// Run returns the lazy, single-pass sequence of responses produced by the
// run. Every model response is yielded before its tool calls are
// dispatched. The sequence ends after a terminal response, with a single
// fault (a model-call failure or *DepthExceededError), or silently when
// ctx is cancelled.
//
// Cancellation aborts in-flight tool calls immediately: they receive the
// cancelled ctx, and a tool turn interrupted that way is not appended to
// the history.
func (l *Loop) Run(ctx context.Context, req LoopRequest) iter.Seq2[AgentResponse, error] {
	return func(yield func(AgentResponse, error) bool) {
		maxDepth := l.cfg.maxDepth
		if req.MaxDepth > 0 {
			maxDepth = req.MaxDepth
		}
		hist := req.History
		if hist == nil {
			hist = NewHistory()
		}
		var defs []ToolDefinition
		if req.Tools != nil {
			defs = req.Tools.Definitions()
		}

		ctx, span := startSpan(ctx, l.cfg.tracer, "loop.run",
			IntAttr("max_depth", maxDepth),
			IntAttr("tools", len(defs)))
		defer span.End()

		// fail yields a fault unless it is a cancellation.
		fail := func(err error) {
			if stream.Classify(err) != stream.Failed {
				return
			}
			span.Error(err)
			yield(AgentResponse{}, err)
		}

		if req.Prompt != "" {
			if err := hist.Append(ctx, UserMessage(req.Prompt)); err != nil {
				fail(err)
				return
			}
		}

		depth := 0
		state := StatePrompting
		for {
			l.cfg.logger.Debug("loop state", "state", state, "depth", depth)

			var (
				turn  []Message
				calls []ToolCall
			)
			state = StateResponding
			for r, err := range l.prompt(ctx, hist.Messages(), defs) {
				if err != nil {
					fail(err)
					return
				}
				// Messages without tool calls are recorded before they are
				// yielded; tool requests wait for their results.
				switch {
				case isEmpty(r.Message):
				case len(r.Message.ToolCalls) == 0:
					if err := hist.Append(ctx, r.Message); err != nil {
						fail(err)
						return
					}
				default:
					turn = append(turn, r.Message)
				}
				if r.WantsTools() {
					calls = append(calls, r.Message.ToolCalls...)
				}
				if !yield(r, nil) {
					return
				}
			}
			if ctx.Err() != nil {
				return
			}

			if len(calls) == 0 {
				state = StateTerminal
				l.cfg.logger.Debug("loop state", "state", state, "depth", depth)
				span.SetAttr(IntAttr("depth", depth))
				fail(hist.Append(ctx, turn...))
				return
			}

			depth++
			if depth > maxDepth {
				l.cfg.logger.Warn("loop exceeded maximum depth", "max_depth", maxDepth)
				fail(&DepthExceededError{Max: maxDepth})
				return
			}

			state = StateExecutingTools
			l.cfg.logger.Debug("loop state", "state", state, "depth", depth, "calls", len(calls))
			results := l.dispatch(ctx, req.Tools, calls)
			if ctx.Err() != nil {
				return
			}
			if err := hist.Append(ctx, append(turn, results...)...); err != nil {
				fail(err)
				return
			}
			if req.Subscribe != nil {
				for _, m := range results {
					if m.ResourceURI != "" {
						req.Subscribe(m.ResourceURI)
					}
				}
			}
			state = StatePrompting
		}
	}
}

// prompt performs one model call on messages, yielding its responses as
// they become available. Responses and tool calls without ids get fresh
// ones so tool results can be correlated.
func (l *Loop) prompt(ctx context.Context, messages []Message, defs []ToolDefinition) iter.Seq2[AgentResponse, error] {
	if l.cfg.systemPrompt != "" {
		messages = append([]Message{SystemMessage(l.cfg.systemPrompt)}, messages...)
	}
	req := PromptRequest{
		Messages:    messages,
		Tools:       defs,
		Stream:      l.cfg.streaming,
		Temperature: l.cfg.temperature,
	}

	return func(yield func(AgentResponse, error) bool) {
		ctx, span := startSpan(ctx, l.cfg.tracer, "loop.prompt",
			StringAttr("provider", l.model.Name()),
			IntAttr("messages", len(messages)),
			BoolAttr("stream", req.Stream))
		defer span.End()

		var src iter.Seq2[AgentResponse, error]
		if sm, ok := l.model.(StreamingModelClient); ok && req.Stream {
			src = Consolidate(ctx, sm.PromptStream(ctx, req))
		} else {
			src = func(yield func(AgentResponse, error) bool) {
				resps, err := l.model.Prompt(ctx, req)
				if err != nil {
					yield(AgentResponse{}, err)
					return
				}
				for _, r := range resps {
					if !yield(r, nil) {
						return
					}
				}
			}
		}

		for r, err := range stream.IgnoreCancellation(src) {
			if err != nil {
				span.Error(err)
				yield(AgentResponse{}, err)
				return
			}
			r.MessageID = orNewID(r.MessageID)
			if len(r.Message.ToolCalls) > 0 {
				calls := make([]ToolCall, len(r.Message.ToolCalls))
				for i, tc := range r.Message.ToolCalls {
					tc.ID = orNewID(tc.ID)
					calls[i] = tc
				}
				r.Message.ToolCalls = calls
			}
			if r.Message.Role == "" {
				r.Message.Role = RoleAssistant
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func isEmpty(m Message) bool {
	return m.Content == "" && m.Reasoning == "" && len(m.ToolCalls) == 0
}

// dispatch runs calls through tools and returns one tool message per call,
// in call order. Tool errors and panics become "error: ..." content.
// Single calls run inline. Multiple calls use a fixed worker pool of
// min(len(calls), maxParallelDispatch) goroutines.
func (l *Loop) dispatch(ctx context.Context, tools ToolExecutor, calls []ToolCall) []Message {
	if len(calls) == 1 {
		return []Message{l.execute(ctx, tools, calls[0])}
	}

	type indexed struct {
		idx int
		msg Message
	}
	work := make(chan int, len(calls))
	for i := range calls {
		work <- i
	}
	close(work)

	results := make(chan indexed, len(calls))
	var wg sync.WaitGroup
	for range min(len(calls), maxParallelDispatch) {
		wg.Go(func() {
			for i := range work {
				results <- indexed{i, l.execute(ctx, tools, calls[i])}
			}
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]Message, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-results:
			if !ok {
				break collect
			}
			out[r.idx] = r.msg
		case <-ctx.Done():
			// Caller discards the turn; workers drain into the buffered channel.
			return nil
		}
	}
	for i, m := range out {
		if m.Role == "" {
			out[i] = ToolResultMessage(calls[i].ID, "error: result not received")
		}
	}
	return out
}

// execute runs one call with panic recovery and converts the outcome into
// a tool message correlated by call id.
func (l *Loop) execute(ctx context.Context, tools ToolExecutor, tc ToolCall) (msg Message) {
	ctx, span := startSpan(ctx, l.cfg.tracer, "loop.tool",
		StringAttr("tool", tc.Name),
		StringAttr("call_id", tc.ID))
	defer span.End()
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("tool %q panic: %v", tc.Name, p)
			span.Error(err)
			l.cfg.logger.Error("tool panic", "tool", tc.Name, "call_id", tc.ID, "panic", fmt.Sprint(p))
			msg = ToolResultMessage(tc.ID, "error: "+err.Error())
		}
	}()

	if ctx.Err() != nil {
		return ToolResultMessage(tc.ID, "error: "+ctx.Err().Error())
	}
	if tools == nil {
		return ToolResultMessage(tc.ID, "error: unknown tool: "+tc.Name)
	}

	res, err := tools.Execute(ctx, tc.Name, tc.Args)
	level := slog.LevelDebug
	switch {
	case err != nil:
		span.Error(err)
		level = slog.LevelWarn
		msg = ToolResultMessage(tc.ID, "error: "+err.Error())
	case res.Error != "":
		level = slog.LevelWarn
		msg = ToolResultMessage(tc.ID, "error: "+res.Error)
	default:
		msg = ToolResultMessage(tc.ID, res.Content)
	}
	msg.ResourceURI = res.ResourceURI
	l.cfg.logger.Log(ctx, level, "tool executed",
		"tool", tc.Name, "call_id", tc.ID, "duration", time.Since(start), "error", err)
	return msg
}
