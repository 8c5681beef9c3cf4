package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"txbridge/internal/txn"
)

// headerCarrier adapts record headers to propagation.TextMapCarrier.
type headerCarrier struct {
	rec *txn.Record
}

var _ propagation.TextMapCarrier = headerCarrier{}

func (c headerCarrier) Get(key string) string {
	v, _ := c.rec.Header(key)
	return string(v)
}

func (c headerCarrier) Set(key, value string) {
	*c.rec = c.rec.WithHeader(key, []byte(value))
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.rec.Headers))
	for _, h := range c.rec.Headers {
		keys = append(keys, h.Name)
	}
	return keys
}

// HeaderCodec moves trace context between record headers and a context
// using the global propagator.
type HeaderCodec struct {
	Propagator propagation.TextMapPropagator // nil means otel.GetTextMapPropagator()
}

func (h HeaderCodec) propagator() propagation.TextMapPropagator {
	if h.Propagator != nil {
		return h.Propagator
	}
	return otel.GetTextMapPropagator()
}

func (h HeaderCodec) Extract(ctx context.Context, rec txn.Record) context.Context {
	return h.propagator().Extract(ctx, headerCarrier{rec: &rec})
}

// Inject returns rec with the trace context of ctx written into its headers.
func (h HeaderCodec) Inject(ctx context.Context, rec txn.Record) txn.Record {
	h.propagator().Inject(ctx, headerCarrier{rec: &rec})
	return rec
}
