package engine

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"txbridge/internal/logging"
	"txbridge/internal/pipeline"
	"txbridge/internal/telemetry"
	"txbridge/internal/tracing"
	"txbridge/internal/transport"
)

func Bootstrap(ctx context.Context, cfg Config) (*Engine, error) {
	log := logging.Component("engine")
	if cfg.ServiceName == "" {
		cfg.ServiceName = "txbridge"
	}

	// 1. tracing
	tracer, shutdown, err := tracing.Initialize(ctx, tracing.GetConfig(cfg.ServiceName), log)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	// 2. transport server
	srv, err := transport.StartServer(cfg.GRPCPort)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("transport: %w", err)
	}

	// 3. metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	// 4. pipeline
	var name string
	p, err := pipeline.Compile(ctx, cfg.PipelineYml, pipeline.Deps{
		Metrics: metrics,
		Tracer:  tracer,
		StateHook: func(s pipeline.State) {
			serving := s != pipeline.Halted
			srv.SetServing(name, serving)
			srv.SetServing("", serving)
		},
	})
	if err != nil {
		srv.Stop()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	name = p.Name
	srv.SetServing(name, true)
	log.Info("engine bootstrapped", "pipeline", name, "grpc_port", cfg.GRPCPort, "metrics_port", cfg.MetricsPort)

	return &Engine{
		cfg:       cfg,
		log:       log,
		transport: srv,
		registry:  reg,
		pipeline:  p,
		shutdown:  shutdown,
	}, nil
}
