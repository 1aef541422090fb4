package observer

import (
	"context"

	"github.com/nevindra/confluence"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// ObservedJournal records run metrics and logs for every finished run, then
// forwards the record to an inner journal when one is set.
type ObservedJournal struct {
	inner confluence.Journal
	inst  *Instruments
}

// WrapJournal returns a journal emitting run telemetry. inner may be nil,
// in which case records are only observed and ListRuns returns nothing.
func WrapJournal(inner confluence.Journal, inst *Instruments) *ObservedJournal {
	return &ObservedJournal{inner: inner, inst: inst}
}

func (o *ObservedJournal) RecordRun(ctx context.Context, rec confluence.RunRecord) error {
	durationMs := float64(rec.EndedAt.Sub(rec.StartedAt).Milliseconds())

	o.inst.Runs.Add(ctx, 1, metric.WithAttributes(
		AttrRunState.String(rec.State),
	))
	o.inst.RunDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrRunState.String(rec.State),
	))

	severity := otellog.SeverityInfo
	if rec.Error != "" {
		severity = otellog.SeverityError
	}
	var lr otellog.Record
	lr.SetSeverity(severity)
	lr.SetBody(otellog.StringValue("agent run ended"))
	lr.AddAttributes(
		otellog.String("run.id", rec.ID),
		otellog.String(string(AttrRunConversation), rec.ConversationID),
		otellog.String(string(AttrRunState), rec.State),
		otellog.Int("run.responses", rec.Responses),
		otellog.Int("tokens.input", rec.Usage.InputTokens),
		otellog.Int("tokens.output", rec.Usage.OutputTokens),
		otellog.Float64("duration_ms", durationMs),
	)
	if rec.Error != "" {
		lr.AddAttributes(otellog.String("error", rec.Error))
	}
	o.inst.Logger.Emit(ctx, lr)

	if o.inner == nil {
		return nil
	}
	return o.inner.RecordRun(ctx, rec)
}

func (o *ObservedJournal) ListRuns(ctx context.Context, conversationID string, limit int) ([]confluence.RunRecord, error) {
	if o.inner == nil {
		return nil, nil
	}
	return o.inner.ListRuns(ctx, conversationID, limit)
}

var _ confluence.Journal = (*ObservedJournal)(nil)
