package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"txbridge/internal/txn"
)

var builtins = map[string]Transformer{
	"identity":  Func{ID: "identity", Fn: identity},
	"uppercase": Func{ID: "uppercase", Fn: uppercase},
	"json":      Func{ID: "json", Fn: compactJSON},
}

func identity(_ context.Context, rec txn.Record) (txn.Record, error) { return rec, nil }

func uppercase(_ context.Context, rec txn.Record) (txn.Record, error) {
	return txn.NewRecord(rec.Key, bytes.ToUpper(rec.Payload), rec.Headers), nil
}

// compactJSON rejects payloads that are not valid JSON and strips
// insignificant whitespace from the rest.
func compactJSON(_ context.Context, rec txn.Record) (txn.Record, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, rec.Payload); err != nil {
		return txn.Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return txn.NewRecord(rec.Key, buf.Bytes(), rec.Headers), nil
}
