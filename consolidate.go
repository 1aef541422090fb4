package confluence

import (
	"context"
	"iter"
	"strings"

	"github.com/nevindra/confluence/stream"
)

// Consolidate turns a stream of partial updates into complete responses.
// Updates are grouped by MessageID and each group is consolidated
// concurrently; responses from different messages arrive in completion
// order. A response is emitted as soon as an update carries a stop reason
// or usage, and any remainder is flushed when its group ends. Usage that
// arrives after its message stopped is emitted as a usage-only response
// with the same stop reason and an empty message.
func Consolidate(ctx context.Context, updates iter.Seq2[ResponseUpdate, error], opts ...stream.Option) iter.Seq2[AgentResponse, error] {
	groups := stream.GroupBy(ctx, updates, func(_ context.Context, u ResponseUpdate) (string, error) {
		return u.MessageID, nil
	}, opts...)

	perMessage := func(yield func(iter.Seq2[AgentResponse, error], error) bool) {
		for g, err := range groups {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(consolidateGroup(g), nil) {
				return
			}
		}
	}
	return stream.MergeAll(ctx, perMessage, opts...)
}

func consolidateGroup(g *stream.Group[string, ResponseUpdate]) iter.Seq2[AgentResponse, error] {
	return func(yield func(AgentResponse, error) bool) {
		defer g.Close()
		var acc accumulator
		for u := range g.Items() {
			acc.add(u)
			if u.StopReason == StopReasonNone && u.Usage == nil {
				continue
			}
			if !yield(acc.flush(g.Key()), nil) {
				return
			}
		}
		if acc.pending() {
			yield(acc.flush(g.Key()), nil)
		}
	}
}

type accumulator struct {
	text      strings.Builder
	reasoning strings.Builder
	calls     []ToolCall
	stop      StopReason
	usage     Usage
	seen      bool
	last      StopReason // stop reason of the previous flush
}

func (a *accumulator) add(u ResponseUpdate) {
	a.seen = true
	a.text.WriteString(u.Text)
	a.reasoning.WriteString(u.Reasoning)
	a.calls = append(a.calls, u.ToolCalls...)
	if u.StopReason != StopReasonNone {
		a.stop = u.StopReason
	}
	if u.Usage != nil {
		a.usage = a.usage.Add(*u.Usage)
	}
}

func (a *accumulator) pending() bool {
	return a.seen && (a.text.Len() > 0 || a.reasoning.Len() > 0 || len(a.calls) > 0 || a.stop != StopReasonNone)
}

func (a *accumulator) flush(id string) AgentResponse {
	stop := a.stop
	if stop == StopReasonNone {
		switch {
		case len(a.calls) > 0:
			stop = StopReasonToolCalls
		case a.last != StopReasonNone && a.text.Len() == 0 && a.reasoning.Len() == 0:
			stop = a.last
		default:
			stop = StopReasonStop
		}
	}
	r := AgentResponse{
		MessageID: id,
		Message: Message{
			Role:      RoleAssistant,
			Content:   a.text.String(),
			Reasoning: a.reasoning.String(),
			ToolCalls: a.calls,
		},
		StopReason: stop,
		Usage:      a.usage,
	}
	*a = accumulator{last: stop}
	return r
}
