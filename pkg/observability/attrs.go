package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Protocol-specific semantic convention attributes.
var (
	AttrOp             = attribute.Key("opencall.op")
	AttrExecutionModel = attribute.Key("opencall.execution_model")
	AttrRequestID      = attribute.Key("opencall.request_id")
	AttrPrincipal      = attribute.Key("opencall.principal")
	AttrTokenClass     = attribute.Key("opencall.token_class")
	AttrState          = attribute.Key("opencall.state")
	AttrErrorCode      = attribute.Key("opencall.error_code")
	AttrChunkIndex     = attribute.Key("opencall.chunk_index")
)

// DispatchAttrs creates attributes for one dispatched operation.
func DispatchAttrs(op, executionModel, requestID, principal string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOp.String(op),
		AttrExecutionModel.String(executionModel),
		AttrRequestID.String(requestID),
		AttrPrincipal.String(principal),
	}
}

// PollAttrs creates attributes for one poll of an instance.
func PollAttrs(requestID, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRequestID.String(requestID),
		AttrState.String(state),
	}
}

// ChunkAttrs creates attributes for one chunk read.
func ChunkAttrs(requestID string, index int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRequestID.String(requestID),
		AttrChunkIndex.Int(index),
	}
}

// WorkerAttrs creates attributes for one background work execution.
func WorkerAttrs(op, requestID string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOp.String(op),
		AttrRequestID.String(requestID),
		attribute.Int("opencall.attempt", attempt),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
