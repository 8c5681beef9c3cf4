package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"txbridge/internal/engine"
	"txbridge/internal/logging"
	"txbridge/internal/pipeline"
	"txbridge/internal/transport"
)

const (
	exitOK        = 0
	exitBootstrap = 1
	exitFatal     = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfg         engine.Config
		logOpts     logging.Options
		healthcheck bool
	)
	pflag.StringVar(&cfg.PipelineYml, "pipeline", "pipeline.yml", "pipeline definition")
	pflag.IntVar(&cfg.GRPCPort, "grpc-port", 7070, "control plane (gRPC health) port")
	pflag.IntVar(&cfg.MetricsPort, "metrics-port", 9100, "Prometheus metrics port")
	pflag.StringVar(&cfg.ServiceName, "service-name", "txbridge", "service name reported to the trace exporter")
	pflag.StringVar(&logOpts.Level, "log-level", "", "debug, info, warn or error (default $TXBRIDGE_LOG_LEVEL or info)")
	pflag.BoolVar(&logOpts.JSON, "log-json", false, "log as JSON")
	pflag.BoolVar(&healthcheck, "healthcheck", false, "query a running bridge on --grpc-port and exit")
	pflag.Parse()

	log := logging.Configure(logging.FromEnv(logOpts))

	if healthcheck {
		return check(cfg.GRPCPort)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		log.Error("bootstrap failed", "err", err)
		return exitBootstrap
	}

	err = e.Run(ctx)
	var fatal *pipeline.FatalError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &fatal):
		log.Error("bridge halted", "transactional_id", fatal.TransactionalID, "err", fatal.Err)
		return exitFatal
	default:
		log.Error("engine failed", "err", err)
		return exitBootstrap
	}
}

func check(port int) int {
	cli, err := transport.DialPort(port)
	if err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck:", err)
		return 1
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ok, err := cli.Check(ctx, "")
	if err != nil || !ok {
		fmt.Fprintln(os.Stderr, "healthcheck: not serving", err)
		return 1
	}
	return 0
}
