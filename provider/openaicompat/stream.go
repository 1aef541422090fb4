package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/nevindra/confluence"
)

// StreamSSE reads an SSE stream from body and yields it as response updates.
// Text and reasoning deltas are yielded as they arrive. Tool calls stream
// incrementally by index and are yielded whole, with the stop reason, once
// the choice finishes; usage from the final chunk is yielded last.
//
// Updates carry the chunk id as MessageID, or fallbackID when the server
// sends none. Malformed chunks are skipped and logged to logger (which may
// be nil).
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, fallbackID string, logger *slog.Logger) iter.Seq2[confluence.ResponseUpdate, error] {
	return func(yield func(confluence.ResponseUpdate, error) bool) {
		scanner := bufio.NewScanner(body)
		// Increase buffer for large SSE payloads.
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

		id := fallbackID
		type partialToolCall struct {
			ID   string
			Name string
			Args strings.Builder
		}
		var toolCalls []*partialToolCall

		// flush yields the accumulated tool calls with reason.
		flush := func(reason confluence.StopReason) bool {
			u := confluence.ResponseUpdate{MessageID: id, StopReason: reason}
			for _, tc := range toolCalls {
				u.ToolCalls = append(u.ToolCalls, confluence.ToolCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: parseArgs(tc.Args.String()),
				})
			}
			toolCalls = nil
			if len(u.ToolCalls) > 0 && reason == confluence.StopReasonStop {
				u.StopReason = confluence.StopReasonToolCalls
			}
			return yield(u, nil)
		}

		for scanner.Scan() {
			if ctx.Err() != nil {
				yield(confluence.ResponseUpdate{}, ctx.Err())
				return
			}
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}

			var chunk ChatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				if logger != nil {
					logger.Debug("skipping malformed stream chunk", "error", err)
				}
				continue
			}
			if chunk.ID != "" {
				id = chunk.ID
			}

			if len(chunk.Choices) > 0 {
				choice := chunk.Choices[0]
				if d := choice.Delta; d != nil {
					if d.Content != "" || d.reasoning() != "" {
						u := confluence.ResponseUpdate{MessageID: id, Text: d.Content, Reasoning: d.reasoning()}
						if !yield(u, nil) {
							return
						}
					}
					for _, tc := range d.ToolCalls {
						for len(toolCalls) <= tc.Index {
							toolCalls = append(toolCalls, &partialToolCall{})
						}
						p := toolCalls[tc.Index]
						if tc.ID != "" {
							p.ID = tc.ID
						}
						if tc.Function.Name != "" {
							p.Name = tc.Function.Name
						}
						p.Args.WriteString(tc.Function.Arguments)
					}
				}
				if choice.FinishReason != "" {
					if !flush(ParseFinishReason(choice.FinishReason)) {
						return
					}
				}
			}

			if chunk.Usage != nil {
				usage := parseUsage(chunk.Usage)
				if !yield(confluence.ResponseUpdate{MessageID: id, Usage: &usage}, nil) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			yield(confluence.ResponseUpdate{}, err)
			return
		}
		// Stream ended without a finish_reason for pending calls.
		if len(toolCalls) > 0 {
			flush(confluence.StopReasonToolCalls)
		}
	}
}
