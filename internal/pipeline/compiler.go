package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"txbridge/internal/config"
	"txbridge/internal/spec"
	"txbridge/internal/telemetry"
	"txbridge/internal/tracing"
	"txbridge/internal/transform"
	"txbridge/sink"
	_ "txbridge/sink/kafka"
	"txbridge/sink/stdout"
	"txbridge/source/kafka"
)

// Pipeline is a compiled pipeline.yml: the bridge and the components it
// drives. It owns the source, the sink and the transform chain.
type Pipeline struct {
	Name   string
	Bridge *Bridge
	Source kafka.Adapter
	Sink   sink.Adapter
	Chain  transform.Chain
}

type Deps struct {
	Metrics   *telemetry.Metrics
	Tracer    trace.Tracer
	StateHook func(State)
}

func Compile(ctx context.Context, path string, deps Deps) (*Pipeline, error) {
	f, err := config.LoadPipelineSpec(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", path, err)
	}

	/*──────── source ───────*/
	kc, err := config.LoadSourceConfig(f.Source.Config)
	if err != nil {
		return nil, fmt.Errorf("source config: %w", err)
	}
	src, err := kafka.NewAdapter(f.Source.Driver)
	if err != nil {
		return nil, err
	}
	if err := src.Configure(kc); err != nil {
		return nil, err
	}

	/*──────── sink ───────*/
	dst, txID, err := buildSink(f)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	/*──────── transformers ───────*/
	chain, err := transform.Compile(ctx, f.Transformers)
	if err != nil {
		_ = src.Close()
		_ = dst.Close()
		return nil, err
	}

	bridge := NewBridge(bridgeConfig(f, txID, dst.Topic()), src, dst,
		WithTransform(chain),
		WithHeaderCodec(tracing.HeaderCodec{}),
		WithMetrics(deps.Metrics),
		WithTracer(deps.Tracer),
		WithStateHook(deps.StateHook),
	)
	return &Pipeline{Name: f.Name, Bridge: bridge, Source: src, Sink: dst, Chain: chain}, nil
}

func buildSink(f spec.File) (sink.Adapter, string, error) {
	dst, err := sink.NewAdapter(f.Sink.Kind)
	if err != nil {
		return nil, "", err
	}
	switch f.Sink.Kind {
	case "kafka":
		sc, err := config.LoadSinkConfig(f.Sink.Config)
		if err != nil {
			return nil, "", fmt.Errorf("sink config: %w", err)
		}
		return dst, sc.TransactionalID, dst.Configure(sc)
	case "stdout":
		return dst, "stdout", dst.Configure(stdout.Config{
			Topic:        f.Name,
			DelayMS:      f.Debug.DelayMS,
			PrintOffsets: f.Debug.PrintOffsets,
		})
	default:
		return nil, "", fmt.Errorf("no config block for sink %q", f.Sink.Kind)
	}
}

func bridgeConfig(f spec.File, txID, topic string) Config {
	return Config{
		Name:              f.Name,
		TransactionalID:   txID,
		Topic:             topic,
		BatchSize:         f.Bridge.BatchSize,
		BatchWindow:       f.Bridge.BatchWindow,
		PollTimeout:       f.Bridge.PollTimeout,
		SkipMalformed:     f.Bridge.OnTransformError == "skip",
		BufferFullRetries: f.Bridge.BufferFullRetries,
		MaxAbortAttempts:  f.Bridge.MaxAbortAttempts,
		BackoffInitial:    f.Bridge.Backoff.Initial,
		BackoffMax:        f.Bridge.Backoff.Max,
		Timeouts: Timeouts{
			Init:    f.Timeouts.Init,
			Enqueue: f.Timeouts.Enqueue,
			Commit:  f.Timeouts.Commit,
			Abort:   f.Timeouts.Abort,
		},
	}
}

// Run starts the source and drives the bridge until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Source.Start(ctx); err != nil {
		return err
	}
	return p.Bridge.Run(ctx)
}

func (p *Pipeline) Close() error {
	return errors.Join(p.Source.Close(), p.Sink.Close(), p.Chain.Close())
}
