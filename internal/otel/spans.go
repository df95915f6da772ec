package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for agentcore spans.
var (
	AttrRunID          = attribute.Key("agentcore.run.id")
	AttrParentRunID    = attribute.Key("agentcore.run.parent_id")
	AttrConversationID = attribute.Key("agentcore.conversation.id")
	AttrSessionID      = attribute.Key("agentcore.session.id")
	AttrSubAgent       = attribute.Key("agentcore.subagent")
	AttrToolName       = attribute.Key("agentcore.tool.name")
	AttrCallID         = attribute.Key("agentcore.tool.call_id")
	AttrModel          = attribute.Key("agentcore.llm.model")
	AttrTokensInput    = attribute.Key("agentcore.llm.tokens.input")
	AttrTokensOutput   = attribute.Key("agentcore.llm.tokens.output")
	AttrStep           = attribute.Key("agentcore.processor.step")
	AttrAttempt        = attribute.Key("agentcore.llm.attempt")
	AttrMode           = attribute.Key("agentcore.orchestration.mode")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (LLM stream, hook delivery).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Tracer returns t, or a no-op tracer when t is nil.
func Tracer(t trace.Tracer) trace.Tracer {
	if t != nil {
		return t
	}
	return nooptrace.NewTracerProvider().Tracer(TracerName)
}
