package observer

import (
	"context"
	"iter"
	"time"

	"github.com/nevindra/confluence"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedModel wraps a confluence.ModelClient with OTEL instrumentation.
type ObservedModel struct {
	inner confluence.ModelClient
	inst  *Instruments
	model string
}

// observedStreamingModel adds PromptStream for inners that stream.
type observedStreamingModel struct {
	*ObservedModel
	stream confluence.StreamingModelClient
}

// WrapModel returns an instrumented client that emits traces, metrics, and
// logs. The result streams only when inner does.
func WrapModel(inner confluence.ModelClient, model string, inst *Instruments) confluence.ModelClient {
	o := &ObservedModel{inner: inner, inst: inst, model: model}
	if sm, ok := inner.(confluence.StreamingModelClient); ok {
		return &observedStreamingModel{ObservedModel: o, stream: sm}
	}
	return o
}

func (o *ObservedModel) Name() string { return o.inner.Name() }

func (o *ObservedModel) Prompt(ctx context.Context, req confluence.PromptRequest) ([]confluence.AgentResponse, error) {
	ctx, span := o.start(ctx, "llm.prompt", req)
	defer span.End()
	start := time.Now()

	resps, err := o.inner.Prompt(ctx, req)

	var usage confluence.Usage
	var stop confluence.StopReason
	for _, r := range resps {
		usage = usage.Add(r.Usage)
		stop = r.StopReason
	}
	o.record(ctx, span, "prompt", start, usage, stop, err)
	return resps, err
}

func (o *observedStreamingModel) PromptStream(ctx context.Context, req confluence.PromptRequest) iter.Seq2[confluence.ResponseUpdate, error] {
	return func(yield func(confluence.ResponseUpdate, error) bool) {
		ctx, span := o.start(ctx, "llm.prompt_stream", req)
		defer span.End()
		start := time.Now()

		var (
			usage  confluence.Usage
			stop   confluence.StopReason
			chunks int
			err    error
		)
		for u, uerr := range o.stream.PromptStream(ctx, req) {
			if uerr != nil {
				err = uerr
			} else {
				chunks++
				if u.Usage != nil {
					usage = usage.Add(*u.Usage)
				}
				if u.StopReason != confluence.StopReasonNone {
					stop = u.StopReason
				}
			}
			if !yield(u, uerr) || uerr != nil {
				break
			}
		}
		span.SetAttributes(AttrStreamChunks.Int(chunks))
		o.record(ctx, span, "prompt_stream", start, usage, stop, err)
	}
}

func (o *ObservedModel) start(ctx context.Context, name string, req confluence.PromptRequest) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	}
	if len(req.Tools) > 0 {
		names := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			names[i] = t.Name
		}
		attrs = append(attrs, AttrToolCount.Int(len(req.Tools)), AttrToolNames.StringSlice(names))
	}
	return o.inst.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (o *ObservedModel) record(ctx context.Context, span trace.Span, method string, start time.Time, usage confluence.Usage, stop confluence.StopReason, err error) {
	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	cost := o.inst.Cost.Calculate(o.model, usage.InputTokens, usage.OutputTokens)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
		AttrStopReason.String(string(stop)),
	)

	base := []attribute.KeyValue{
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	}
	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens),
		metric.WithAttributes(append(base, attribute.String("direction", "input"))...))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens),
		metric.WithAttributes(append(base, attribute.String("direction", "output"))...))
	o.inst.CostTotal.Add(ctx, cost, metric.WithAttributes(base...))
	o.inst.LLMRequests.Add(ctx, 1,
		metric.WithAttributes(append(base, AttrLLMMethod.String(method), attribute.String("status", status))...))
	o.inst.LLMDuration.Record(ctx, durationMs,
		metric.WithAttributes(append(base, AttrLLMMethod.String(method))...))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", o.model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

var (
	_ confluence.ModelClient          = (*ObservedModel)(nil)
	_ confluence.StreamingModelClient = (*observedStreamingModel)(nil)
)
