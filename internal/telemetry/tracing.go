package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps the OTel tracer used for main-loop ticks and job
// submission pipeline stages.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer wraps a tracer obtained from a trace.TracerProvider.
func NewTracer(provider trace.TracerProvider) *Tracer {
	return &Tracer{tracer: provider.Tracer("schedd")}
}

// StartTick opens a span covering one main-loop tick.
func (t *Tracer) StartTick(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "engine.tick", trace.WithSpanKind(trace.SpanKindInternal))
}

// StartSubmitStage opens a span for one job submission pipeline stage
// (host-select, remote-init, file-install, job-file-write, submit).
func (t *Tracer) StartSubmitStage(ctx context.Context, instanceIdentity, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "jobmanager."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("task.identity", instanceIdentity),
			attribute.String("jobmanager.stage", stage),
		),
	)
}

// EndWithError closes span, recording err as the span status if non-nil.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
