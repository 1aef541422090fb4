package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nevindra/confluence"
	"github.com/nevindra/confluence/stream"
)

const chatHelp = `Type a prompt and press enter. A new prompt cancels the running one.
Commands: /cancel  /history  /watching  /quit`

// printer serializes output from concurrent runs.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func runChat(ctx context.Context, a *app, conversation string, in io.Reader, out io.Writer) error {
	p := &printer{w: out}
	p.printf("%s\n", chatHelp)

	var wg sync.WaitGroup
	defer wg.Wait()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			a.agent.Cancel(conversation)
			return nil
		case "/cancel":
			if !a.agent.Cancel(conversation) {
				p.printf("(nothing running)\n")
			}
			continue
		case "/history":
			for _, m := range a.agent.History(conversation) {
				p.printf("%-9s %s\n", m.Role, describe(m))
			}
			continue
		case "/watching":
			for _, uri := range a.agent.Subscriptions(conversation) {
				p.printf("%s\n", uri)
			}
			continue
		}

		wg.Go(func() { printRun(ctx, a.agent, conversation, line, p) })
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	// Input closed: the last run keeps going until it ends or is interrupted.
	return nil
}

// printRun prints one run's responses as they arrive. A failed run ends
// with a "run failed" line.
func printRun(ctx context.Context, agent *confluence.Agent, conversation, prompt string, p *printer) {
	for r := range stream.Catch(agent.Run(ctx, conversation, prompt), confluence.FailureResponse) {
		switch {
		case r.StopReason == confluence.StopReasonError:
			p.printf("! %s\n", r.Message.Content)
		case r.WantsTools():
			names := make([]string, len(r.Message.ToolCalls))
			for i, c := range r.Message.ToolCalls {
				names[i] = c.Name
			}
			p.printf("  [tools] %s\n", strings.Join(names, ", "))
		case r.Message.Content == "":
			// usage only
		case r.ResourceURI != "":
			p.printf("[%s] %s\n", r.ResourceURI, r.Message.Content)
		default:
			p.printf("> %s\n", r.Message.Content)
		}
	}
}

func describe(m confluence.Message) string {
	switch {
	case len(m.ToolCalls) > 0:
		names := make([]string, len(m.ToolCalls))
		for i, c := range m.ToolCalls {
			names[i] = c.Name + string(c.Args)
		}
		return "calls " + strings.Join(names, ", ")
	case m.ResourceURI != "":
		return m.Content + " (resource " + m.ResourceURI + ")"
	default:
		return m.Content
	}
}
