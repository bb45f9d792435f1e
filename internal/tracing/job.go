package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceCarrier travels inside queue messages so the consumer span joins the
// producer's trace.
type TraceCarrier struct {
	TraceParent string `json:"trace_parent,omitempty"`
	TraceState  string `json:"trace_state,omitempty"`
}

func InjectTraceContext(ctx context.Context) TraceCarrier {
	mapCarrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, mapCarrier)

	return TraceCarrier{
		TraceParent: mapCarrier.Get("traceparent"),
		TraceState:  mapCarrier.Get("tracestate"),
	}
}

func ExtractTraceContext(ctx context.Context, carrier TraceCarrier) context.Context {
	if carrier.TraceParent == "" {
		return ctx
	}

	mapCarrier := propagation.MapCarrier{
		"traceparent": carrier.TraceParent,
		"tracestate":  carrier.TraceState,
	}
	return propagation.TraceContext{}.Extract(ctx, mapCarrier)
}

func StartProcessSpan(ctx context.Context, videoID, taskID string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "video.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	span.SetAttributes(
		attribute.String("video.id", videoID),
		attribute.String("task.id", taskID),
	)
	return ctx, span
}

func StartEnqueueSpan(ctx context.Context, videoID string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "video.enqueue",
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	span.SetAttributes(attribute.String("video.id", videoID))
	return ctx, span
}

func StartRecomputeSpan(ctx context.Context, season, trigger string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "ranking.recompute")
	span.SetAttributes(
		attribute.String("ranking.season", season),
		attribute.String("ranking.trigger", trigger),
	)
	return ctx, span
}
