// Package clock provides the current_time tool.
package clock

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nevindra/confluence"
)

// Tool reports the current time.
type Tool struct {
	now func() time.Time
	loc *time.Location
}

var _ confluence.Tool = (*Tool)(nil)

// New creates a clock tool reporting times in loc. A nil loc means UTC.
func New(loc *time.Location) *Tool {
	if loc == nil {
		loc = time.UTC
	}
	return &Tool{now: time.Now, loc: loc}
}

func (t *Tool) Definitions() []confluence.ToolDefinition {
	return []confluence.ToolDefinition{{
		Name:        "current_time",
		Description: "Get the current date and time (RFC 3339). Optionally pass an IANA timezone such as Europe/Berlin.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string","description":"IANA timezone name"}}}`),
	}}
}

func (t *Tool) Execute(_ context.Context, name string, args json.RawMessage) (confluence.ToolResult, error) {
	if name != "current_time" {
		return confluence.ToolResult{Error: "unknown clock tool: " + name}, nil
	}
	var params struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return confluence.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
	}
	loc := t.loc
	if params.Timezone != "" {
		l, err := time.LoadLocation(params.Timezone)
		if err != nil {
			return confluence.ToolResult{Error: "unknown timezone: " + params.Timezone}, nil
		}
		loc = l
	}
	now := t.now().In(loc)
	return confluence.ToolResult{Content: now.Format(time.RFC3339) + " (" + now.Weekday().String() + ")"}, nil
}
