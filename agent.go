package confluence

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nevindra/confluence/stream"
)

// journalTimeout bounds a single journal write after a run ends.
const journalTimeout = 5 * time.Second

// Agent runs one tool-calling loop per conversation at a time. A new
// prompt supersedes the conversation's running loop, and responses
// triggered by subscribed resource changes are merged into the output of
// the conversation's run.
type Agent struct {
	name  string
	model ModelClient
	tools *ToolRegistry
	loop  *Loop
	runs  *RunRegistry
	cfg   agentConfig

	mu        sync.Mutex
	convs     map[string]*conversation
	watched   map[string]map[string]struct{} // uri -> conversation ids
	listeners []func(conversationID string)
}

type conversation struct {
	id      string
	history *History
	feed    *ResourceFeed
}

// New creates an agent named name over model.
func New(name string, model ModelClient, opts ...AgentOption) *Agent {
	cfg := buildConfig(opts)
	return &Agent{
		name:  name,
		model: model,
		tools: NewToolRegistry(cfg.tools...),
		loop:  &Loop{model: model, cfg: cfg},
		runs: NewRunRegistry(
			RegistrySupersedeTimeout(cfg.supersedeTimeout),
			RegistryLogger(cfg.logger)),
		cfg:     cfg,
		convs:   make(map[string]*conversation),
		watched: make(map[string]map[string]struct{}),
	}
}

// Name returns the agent's name.
func (a *Agent) Name() string { return a.name }

// Tools returns the agent's tool registry. Tools added later are offered
// from the next model call on.
func (a *Agent) Tools() *ToolRegistry { return a.tools }

// Runs returns the registry tracking current runs.
func (a *Agent) Runs() *RunRegistry { return a.runs }

// OnChange registers fn to be called after messages are appended to a
// conversation's history. fn must not block.
func (a *Agent) OnChange(fn func(conversationID string)) {
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

func (a *Agent) conversation(id string) *conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.convs[id]; ok {
		return c
	}
	c := &conversation{
		id:      id,
		history: NewHistory(),
		feed:    NewResourceFeed(a.cfg.feedCapacity),
	}
	c.history.setOnAppend(func([]Message) { a.changed(id) })
	a.convs[id] = c
	return c
}

func (a *Agent) changed(id string) {
	a.mu.Lock()
	listeners := slices.Clone(a.listeners)
	a.mu.Unlock()
	for _, fn := range listeners {
		fn(id)
	}
}

// Run starts a run of prompt in conversationID and returns its responses:
// the loop's own responses merged with responses produced by resource
// changes the conversation is subscribed to, in arrival order.
//
// Any run already in flight for the conversation is cancelled first; its
// consumer sees its sequence end without an error. The new run waits
// (bounded by WithSupersedeTimeout) for the old one to wind down before
// writing history.
//
// The sequence ends after the loop's terminal response once no resource
// subscription remains, with one fault (model failure or
// *DepthExceededError), or silently on cancellation or supersession.
func (a *Agent) Run(ctx context.Context, conversationID, prompt string) iter.Seq2[AgentResponse, error] {
	return func(yield func(AgentResponse, error) bool) {
		h := a.runs.Begin(ctx, conversationID)
		rec := RunRecord{
			ID:             h.ID(),
			ConversationID: conversationID,
			Prompt:         prompt,
			StartedAt:      h.Started(),
		}
		var runErr error
		defer func() {
			a.runs.End(h, runErr)
			a.record(h, rec)
		}()
		if err := a.runs.Settle(h); err != nil {
			return
		}

		conv := a.conversation(conversationID)
		runCtx, span := startSpan(WithConversationContext(h.Context(), conversationID), a.cfg.tracer, "agent.run",
			StringAttr("agent", a.name),
			StringAttr("conversation", conversationID),
			StringAttr("run_id", h.ID()))
		defer span.End()
		a.cfg.logger.Info("run started", "agent", a.name, "conversation", conversationID, "run_id", h.ID())

		loopDone := make(chan struct{})
		loop := func(yield func(AgentResponse, error) bool) {
			defer close(loopDone)
			req := LoopRequest{
				Prompt:  prompt,
				History: conv.history,
				Tools:   a.tools,
				Subscribe: func(uri string) {
					if err := a.Subscribe(conversationID, uri); err != nil {
						a.cfg.logger.Warn("resource subscribe failed", "conversation", conversationID, "uri", uri, "error", err)
					}
				},
			}
			for r, err := range a.loop.Run(runCtx, req) {
				if !yield(r, err) {
					return
				}
			}
		}

		for r, err := range stream.Merge(runCtx, loop, conv.feed.Follow(runCtx, loopDone)) {
			if err != nil {
				runErr = err
				span.Error(err)
				a.cfg.logger.Error("run failed", "agent", a.name, "conversation", conversationID, "run_id", h.ID(), "error", err)
				yield(AgentResponse{}, err)
				return
			}
			rec.Responses++
			rec.Usage = rec.Usage.Add(r.Usage)
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (a *Agent) record(h *RunHandle, rec RunRecord) {
	a.cfg.logger.Info("run ended", "agent", a.name, "conversation", rec.ConversationID, "run_id", rec.ID,
		"state", h.State(), "responses", rec.Responses,
		"tokens.input", rec.Usage.InputTokens, "tokens.output", rec.Usage.OutputTokens)
	if a.cfg.journal == nil {
		return
	}
	rec.State = h.State().String()
	if err := h.Err(); err != nil {
		rec.Error = err.Error()
	}
	rec.EndedAt = h.Ended()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.Context()), journalTimeout)
	defer cancel()
	if err := a.cfg.journal.RecordRun(ctx, rec); err != nil {
		a.cfg.logger.Warn("journal write failed", "run_id", rec.ID, "error", err)
	}
}

// Cancel cancels the conversation's running loop. It reports whether one
// was running.
func (a *Agent) Cancel(conversationID string) bool {
	return a.runs.Cancel(conversationID)
}

// History returns a copy of the conversation's messages, or nil for an
// unknown conversation.
func (a *Agent) History(conversationID string) []Message {
	a.mu.Lock()
	c, ok := a.convs[conversationID]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return c.history.Messages()
}

// Conversations returns the ids of known conversations, sorted.
func (a *Agent) Conversations() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.convs))
	for id := range a.convs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Subscribe subscribes conversationID to changes of uri. The first
// subscriber of a uri starts the configured ResourceWatcher on it.
func (a *Agent) Subscribe(conversationID, uri string) error {
	conv := a.conversation(conversationID)
	if !conv.feed.Subscribe(uri) {
		return nil
	}

	a.mu.Lock()
	set, ok := a.watched[uri]
	if !ok {
		set = make(map[string]struct{})
		a.watched[uri] = set
	}
	set[conversationID] = struct{}{}
	a.mu.Unlock()

	a.cfg.logger.Debug("resource subscribed", "conversation", conversationID, "uri", uri)
	if !ok && a.cfg.watcher != nil {
		if err := a.cfg.watcher.Watch(uri); err != nil {
			a.Unsubscribe(conversationID, uri)
			return fmt.Errorf("watch %s: %w", uri, err)
		}
	}
	return nil
}

// Unsubscribe removes the subscription of conversationID to uri. The last
// subscriber of a uri stops the configured ResourceWatcher on it.
func (a *Agent) Unsubscribe(conversationID, uri string) {
	a.mu.Lock()
	c, ok := a.convs[conversationID]
	a.mu.Unlock()
	if !ok || !c.feed.Unsubscribe(uri) {
		return
	}

	a.mu.Lock()
	last := false
	if set, ok := a.watched[uri]; ok {
		delete(set, conversationID)
		if len(set) == 0 {
			delete(a.watched, uri)
			last = true
		}
	}
	a.mu.Unlock()

	a.cfg.logger.Debug("resource unsubscribed", "conversation", conversationID, "uri", uri)
	if last && a.cfg.watcher != nil {
		a.cfg.watcher.Unwatch(uri)
	}
}

// Subscriptions returns the URIs conversationID is subscribed to.
func (a *Agent) Subscriptions(conversationID string) []string {
	a.mu.Lock()
	c, ok := a.convs[conversationID]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return c.feed.Subscriptions()
}

// NotifyResourceChanged re-invokes the model, without tools, for every
// conversation subscribed to uri. Each re-invocation sees the
// conversation's history plus a system note naming uri; its responses are
// appended to the history, then published to the conversation's feed (and
// so merged into a running run's output).
func (a *Agent) NotifyResourceChanged(ctx context.Context, uri string) error {
	a.mu.Lock()
	var convs []*conversation
	for id := range a.watched[uri] {
		if c, ok := a.convs[id]; ok {
			convs = append(convs, c)
		}
	}
	a.mu.Unlock()
	if len(convs) == 0 {
		return nil
	}
	a.cfg.logger.Info("resource changed", "uri", uri, "conversations", len(convs))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(maxParallelDispatch)
	for _, c := range convs {
		g.Go(func() error {
			if err := a.reinvoke(ctx, c, uri); err != nil && stream.Classify(err) == stream.Failed {
				a.cfg.logger.Error("resource re-invocation failed", "conversation", c.id, "uri", uri, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (a *Agent) reinvoke(ctx context.Context, conv *conversation, uri string) error {
	ctx, span := startSpan(ctx, a.cfg.tracer, "agent.resource",
		StringAttr("conversation", conv.id),
		StringAttr("uri", uri))
	defer span.End()

	note := SystemMessage(fmt.Sprintf("Resource %s changed.", uri))
	noted := false
	for r, err := range a.loop.prompt(ctx, append(conv.history.Messages(), note), nil) {
		if err != nil {
			span.Error(err)
			return fmt.Errorf("resource %s: %w", uri, err)
		}
		// No tools were offered, so tool requests are not honored.
		r.Message.ToolCalls = nil
		if r.StopReason == StopReasonToolCalls {
			r.StopReason = StopReasonStop
		}
		r.ResourceURI = uri
		if !isEmpty(r.Message) {
			msgs := []Message{r.Message}
			if !noted {
				msgs = []Message{note, r.Message}
			}
			if err := conv.history.Append(ctx, msgs...); err != nil {
				return err
			}
			noted = true
		}
		if err := conv.feed.Publish(ctx, r); err != nil {
			return err
		}
	}
	if noted {
		return nil
	}
	return conv.history.Append(ctx, note)
}
