package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrTransactionalID = "txbridge.transactional_id"
	AttrTxnSeq          = "txbridge.txn.seq"
	AttrRecords         = "txbridge.txn.records"
	AttrOutcome         = "txbridge.txn.outcome"
	AttrKafkaTopic      = "messaging.kafka.topic"
	AttrKafkaPartition  = "messaging.kafka.partition"
	AttrKafkaOffset     = "messaging.kafka.offset"

	SpanTransaction = "txbridge.transaction"
	SpanRecord      = "txbridge.record"
)

// StartSpan is tracer.Start that tolerates a nil tracer.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SourceAttrs(topic string, partition int32, offset int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrKafkaTopic, topic),
		attribute.Int64(AttrKafkaPartition, int64(partition)),
		attribute.Int64(AttrKafkaOffset, offset),
	}
}
