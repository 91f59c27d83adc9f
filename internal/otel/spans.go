package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for ledgerd spans.
var (
	AttrOperation  = attribute.Key("ledgerd.op")
	AttrCollection = attribute.Key("ledgerd.collection")
	AttrSyncAction = attribute.Key("ledgerd.sync.action")
	AttrSyncPath   = attribute.Key("ledgerd.sync.path")
	AttrBackupPath = attribute.Key("ledgerd.backup.path")
	AttrChunkIndex = attribute.Key("ledgerd.backup.chunk")
	AttrOwnerID    = attribute.Key("ledgerd.owner.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (remote store).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
