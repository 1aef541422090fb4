package confluence

import (
	"context"
	"log/slog"
	"time"
)

// DefaultMaxDepth bounds tool-calling round trips when WithMaxDepth is not set.
const DefaultMaxDepth = 10

// DefaultSupersedeTimeout bounds how long a new run waits for the run it
// superseded to wind down.
const DefaultSupersedeTimeout = 5 * time.Second

type agentConfig struct {
	tools            []Tool
	systemPrompt     string
	maxDepth         int
	temperature      *float64
	streaming        bool
	supersedeTimeout time.Duration
	feedCapacity     int
	journal          Journal
	watcher          ResourceWatcher
	tracer           Tracer
	logger           *slog.Logger
}

// AgentOption configures an Agent or a Loop.
type AgentOption func(*agentConfig)

// WithTools adds tools to the agent.
func WithTools(tools ...Tool) AgentOption {
	return func(c *agentConfig) { c.tools = append(c.tools, tools...) }
}

// WithSystemPrompt sets a system prompt sent ahead of the history on every
// model call. It is not stored in the history.
func WithSystemPrompt(s string) AgentOption {
	return func(c *agentConfig) { c.systemPrompt = s }
}

// WithMaxDepth sets the maximum number of tool-calling round trips per run.
// Values <= 0 use DefaultMaxDepth.
func WithMaxDepth(n int) AgentOption {
	return func(c *agentConfig) { c.maxDepth = n }
}

// WithTemperature sets the sampling temperature passed to the model.
func WithTemperature(t float64) AgentOption {
	return func(c *agentConfig) { c.temperature = &t }
}

// WithStreaming requests streamed model output when the client implements
// StreamingModelClient. Partial updates are consolidated per message id.
func WithStreaming(enabled bool) AgentOption {
	return func(c *agentConfig) { c.streaming = enabled }
}

// WithSupersedeTimeout bounds how long a new run waits for the run it
// replaced to end before touching history.
func WithSupersedeTimeout(d time.Duration) AgentOption {
	return func(c *agentConfig) { c.supersedeTimeout = d }
}

// WithFeedCapacity sets the queue capacity of each conversation's resource
// feed. Defaults to stream.DefaultCapacity.
func WithFeedCapacity(n int) AgentOption {
	return func(c *agentConfig) { c.feedCapacity = n }
}

// WithJournal records every run's lifecycle in j.
func WithJournal(j Journal) AgentOption {
	return func(c *agentConfig) { c.journal = j }
}

// WithResourceWatcher registers w to be told when a resource URI gains its
// first subscriber or loses its last one.
func WithResourceWatcher(w ResourceWatcher) AgentOption {
	return func(c *agentConfig) { c.watcher = w }
}

// WithTracer sets the tracer for run, model and tool spans.
func WithTracer(t Tracer) AgentOption {
	return func(c *agentConfig) { c.tracer = t }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) AgentOption {
	return func(c *agentConfig) { c.logger = l }
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

func buildConfig(opts []AgentOption) agentConfig {
	c := agentConfig{
		maxDepth:         DefaultMaxDepth,
		supersedeTimeout: DefaultSupersedeTimeout,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	if c.maxDepth <= 0 {
		c.maxDepth = DefaultMaxDepth
	}
	if c.supersedeTimeout <= 0 {
		c.supersedeTimeout = DefaultSupersedeTimeout
	}
	return c
}
