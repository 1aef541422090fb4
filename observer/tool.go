package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nevindra/confluence"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a confluence.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner confluence.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner confluence.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

// WrapTools instruments every tool in tools.
func WrapTools(tools []confluence.Tool, inst *Instruments) []confluence.Tool {
	out := make([]confluence.Tool, len(tools))
	for i, t := range tools {
		out[i] = WrapTool(t, inst)
	}
	return out
}

func (o *ObservedTool) Definitions() []confluence.ToolDefinition {
	return o.inner.Definitions()
}

func (o *ObservedTool) Execute(ctx context.Context, name string, args json.RawMessage) (confluence.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case result.Error != "":
		status = "tool_error"
	case result.ResourceURI != "":
		status = "pending"
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)
	if result.ResourceURI != "" {
		span.SetAttributes(AttrToolResourceURI.String(result.ResourceURI))
	}

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(result.Content)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

var _ confluence.Tool = (*ObservedTool)(nil)
