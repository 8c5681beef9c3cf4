package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"txbridge/internal/pipeline"
	"txbridge/internal/telemetry"
	"txbridge/internal/transport"
)

type Config struct {
	GRPCPort    int
	MetricsPort int
	PipelineYml string
	ServiceName string
}

// Engine supervises the control plane, the metrics endpoint and one pipeline.
// The first of them to fail stops the others.
type Engine struct {
	cfg       Config
	log       *slog.Logger
	transport *transport.Server
	registry  *prometheus.Registry
	pipeline  *pipeline.Pipeline
	shutdown  func(context.Context) error // tracer provider
}

func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(e.transport.Serve)
	g.Go(func() error {
		<-gctx.Done()
		e.transport.Stop()
		return nil
	})
	g.Go(func() error { return telemetry.Serve(gctx, e.cfg.MetricsPort, e.registry) })
	g.Go(func() error {
		err := e.pipeline.Run(gctx)
		e.transport.SetServing("", false)
		return err
	})

	err := g.Wait()
	e.log.Info("engine stopped", "err", err)
	return errors.Join(err, e.close(context.WithoutCancel(ctx)))
}

func (e *Engine) close(ctx context.Context) error {
	var errs []error
	if e.pipeline != nil {
		errs = append(errs, e.pipeline.Close())
	}
	if e.shutdown != nil {
		errs = append(errs, e.shutdown(ctx))
	}
	return errors.Join(errs...)
}
