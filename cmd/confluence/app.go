package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/nevindra/confluence"
	"github.com/nevindra/confluence/filewatch"
	"github.com/nevindra/confluence/internal/config"
	"github.com/nevindra/confluence/journal/sqlite"
	"github.com/nevindra/confluence/mcp"
	"github.com/nevindra/confluence/observer"
	"github.com/nevindra/confluence/provider/resolve"
	"github.com/nevindra/confluence/tools/clock"
	"github.com/nevindra/confluence/tools/file"
)

// app holds the wired agent and everything that must be shut down with it.
type app struct {
	agent   *confluence.Agent
	journal confluence.Journal
	watcher *filewatch.Watcher
	logger  *slog.Logger

	cancel  context.CancelFunc
	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// 1. Observability
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, cfg.Observer.ServiceName, pricing(cfg.Observer.Pricing))
		if err != nil {
			return nil, fmt.Errorf("observer: %w", err)
		}
		a.closers = append(a.closers, shutdown)
	}

	// 2. Model
	model, err := resolve.Provider(resolve.Config{
		Provider:       cfg.LLM.Provider,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		BaseURL:        cfg.LLM.BaseURL,
		TopP:           cfg.LLM.TopP,
		MaxTokens:      cfg.LLM.MaxTokens,
		Stop:           cfg.LLM.Stop,
		Seed:           cfg.LLM.Seed,
		RetryAttempts:  cfg.Limits.RetryAttempts,
		RetryBaseDelay: cfg.Limits.RetryBaseDelay.Duration,
		RetryTimeout:   cfg.Limits.RetryTimeout.Duration,
		RPM:            cfg.Limits.RPM,
		TPM:            cfg.Limits.TPM,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	if inst != nil {
		model = observer.WrapModel(model, cfg.LLM.Model, inst)
	}

	// 3. Journal
	journal, err := openJournal(ctx, cfg, logger, a)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		journal = observer.WrapJournal(journal, inst)
	}
	a.journal = journal

	// 4. Resource watcher; the agent it notifies is created below.
	a.watcher = filewatch.New(func(ctx context.Context, uri string) {
		if err := a.agent.NotifyResourceChanged(ctx, uri); err != nil {
			logger.Warn("resource notification failed", "uri", uri, "error", err)
		}
	}, filewatch.WithInterval(cfg.Agent.WatchInterval.Duration), filewatch.WithLogger(logger))

	// 5. Tools
	tools := []confluence.Tool{
		clock.New(time.Local),
		file.New(cfg.Agent.Workspace, file.WithUnsubscribe(func(conversationID, uri string) {
			a.agent.Unsubscribe(conversationID, uri)
		})),
	}
	if inst != nil {
		tools = observer.WrapTools(tools, inst)
	}

	// 6. Agent
	opts := []confluence.AgentOption{
		confluence.WithTools(tools...),
		confluence.WithSystemPrompt(cfg.Agent.SystemPrompt),
		confluence.WithMaxDepth(cfg.Agent.MaxDepth),
		confluence.WithSupersedeTimeout(cfg.Agent.SupersedeTimeout.Duration),
		confluence.WithFeedCapacity(cfg.Agent.FeedCapacity),
		confluence.WithStreaming(cfg.LLM.Streaming),
		confluence.WithResourceWatcher(a.watcher),
		confluence.WithLogger(logger),
	}
	if cfg.LLM.Temperature != nil {
		opts = append(opts, confluence.WithTemperature(*cfg.LLM.Temperature))
	}
	if a.journal != nil {
		opts = append(opts, confluence.WithJournal(a.journal))
	}
	if inst != nil {
		opts = append(opts, confluence.WithTracer(observer.NewTracer()))
	}
	a.agent = confluence.New(cfg.Agent.Name, model, opts...)

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	go a.watcher.Run(watchCtx)

	logger.Info("agent ready", "name", cfg.Agent.Name, "provider", cfg.LLM.Provider, "model", cfg.LLM.Model,
		"journal", cfg.Journal.Path, "observer", cfg.Observer.Enabled)
	ok = true
	return a, nil
}

// openJournal opens the SQLite journal, or returns nil when disabled.
func openJournal(ctx context.Context, cfg config.Config, logger *slog.Logger, a *app) (confluence.Journal, error) {
	if cfg.Journal.Path == "" {
		return nil, nil
	}
	j, err := sqlite.New(cfg.Journal.Path, sqlite.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return j.Close() })
	if err := j.Init(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

func pricing(in map[string]config.ObserverPricing) map[string]observer.ModelPricing {
	out := make(map[string]observer.ModelPricing, len(in))
	for model, p := range in {
		out[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}
	return out
}

// Close stops the watcher and releases the journal and telemetry exporters.
func (a *app) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}

func (a *app) serveMCP(ctx context.Context) error {
	srv := mcp.New("confluence", version, mcp.WithLogger(a.logger))
	mcp.RegisterAgent(srv, a.agent, a.journal)
	return srv.Serve(ctx)
}

func listRuns(ctx context.Context, cfg config.Config, conversation string, limit int, w io.Writer) error {
	if cfg.Journal.Path == "" {
		return errors.New("journal is disabled (set [journal] path)")
	}
	j, err := sqlite.New(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer j.Close()
	if err := j.Init(ctx); err != nil {
		return err
	}
	runs, err := j.ListRuns(ctx, conversation, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tCONVERSATION\tSTATE\tRESPONSES\tTOKENS\tDURATION\tPROMPT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime), r.ConversationID, r.State, r.Responses,
			r.Usage.Total(), r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond), truncate(r.Prompt, 48))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
