package transform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"txbridge/internal/spec"
	"txbridge/internal/txn"
)

// ErrMalformed marks a record no retry can fix. The bridge skips or aborts on
// it according to its poison policy.
var ErrMalformed = errors.New("malformed record")

type Transformer interface {
	Name() string
	Transform(ctx context.Context, rec txn.Record) ([]txn.Record, error)
	Close() error
}

// Func adapts a one-to-one function into a Transformer.
type Func struct {
	ID string
	Fn func(context.Context, txn.Record) (txn.Record, error)
}

func (f Func) Name() string { return f.ID }
func (f Func) Close() error { return nil }

func (f Func) Transform(ctx context.Context, rec txn.Record) ([]txn.Record, error) {
	out, err := f.Fn(ctx, rec)
	if err != nil {
		return nil, err
	}
	return []txn.Record{out}, nil
}

// Chain applies transformers in order, fanning out every output of one stage
// into the next.
type Chain []Transformer

func (c Chain) Apply(ctx context.Context, rec txn.Record) ([]txn.Record, error) {
	out := []txn.Record{rec}
	for _, t := range c {
		var next []txn.Record
		for _, r := range out {
			rs, err := t.Transform(ctx, r)
			if err != nil {
				return nil, fmt.Errorf("transform %s: %w", t.Name(), err)
			}
			next = append(next, rs...)
		}
		out = next
		if len(out) == 0 {
			break
		}
	}
	return out, nil
}

func (c Chain) Close() error {
	var errs []error
	for _, t := range c {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}

// New builds the transformer described by s.
func New(ctx context.Context, s spec.TransformerSpec) (Transformer, error) {
	switch s.Type {
	case "", "inproc":
		f, ok := builtins[s.Name]
		if !ok {
			return nil, fmt.Errorf("unknown in-process transformer %q", s.Name)
		}
		return f, nil
	case "grpc":
		return NewGRPCClient(ctx, GRPCOptions{
			Name:     s.Name,
			Address:  s.Address,
			Timeout:  time.Duration(s.TimeoutMS) * time.Millisecond,
			Attempts: s.RetryPolicy.Attempts,
			Backoff:  time.Duration(s.RetryPolicy.BackoffMS) * time.Millisecond,
		})
	default:
		return nil, fmt.Errorf("unsupported transformer type %q for %s", s.Type, s.Name)
	}
}

// Compile builds the chain for specs in order.
func Compile(ctx context.Context, specs []spec.TransformerSpec) (Chain, error) {
	chain := make(Chain, 0, len(specs))
	for _, s := range specs {
		t, err := New(ctx, s)
		if err != nil {
			_ = chain.Close()
			return nil, err
		}
		chain = append(chain, t)
	}
	return chain, nil
}
