package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"txbridge/internal/spec"
)

const SupportedSchema = "v1"

// LoadPipelineSpec parses a pipeline YAML, validates schema_version, fills
// defaults and resolves driver config paths relative to the pipeline file.
func LoadPipelineSpec(path string) (spec.File, error) {
	var cfg spec.File
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SupportedSchema
	}
	if cfg.SchemaVersion != SupportedSchema {
		return cfg, fmt.Errorf("pipeline schema_version %q not supported (want %q)", cfg.SchemaVersion, SupportedSchema)
	}
	cfg.Source.Config = resolve(path, cfg.Source.Config)
	cfg.Sink.Config = resolve(path, cfg.Sink.Config)
	applyDefaults(&cfg)
	return cfg, validate(cfg)
}

func resolve(pipeline, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(pipeline), p)
}

func applyDefaults(f *spec.File) {
	if f.Name == "" {
		f.Name = "txbridge"
	}
	if f.Source.Driver == "" {
		f.Source.Driver = "sarama"
	}
	b := &f.Bridge
	if b.BatchSize == 0 {
		b.BatchSize = 100
	}
	if b.BatchWindow == 0 {
		b.BatchWindow = time.Second
	}
	if b.PollTimeout == 0 {
		b.PollTimeout = 500 * time.Millisecond
	}
	if b.OnTransformError == "" {
		b.OnTransformError = "skip"
	}
	if b.BufferFullRetries == 0 {
		b.BufferFullRetries = 3
	}
	if b.MaxAbortAttempts == 0 {
		b.MaxAbortAttempts = 5
	}
	if b.Backoff.Initial == 0 {
		b.Backoff.Initial = 200 * time.Millisecond
	}
	if b.Backoff.Max == 0 {
		b.Backoff.Max = 30 * time.Second
	}
	t := &f.Timeouts
	if t.Init == 0 {
		t.Init = 30 * time.Second
	}
	if t.Enqueue == 0 {
		t.Enqueue = 5 * time.Second
	}
	if t.Commit == 0 {
		t.Commit = 30 * time.Second
	}
	if t.Abort == 0 {
		t.Abort = 30 * time.Second
	}
}

func validate(f spec.File) error {
	var errs []error
	if f.Source.Kind != "kafka" {
		errs = append(errs, fmt.Errorf("unsupported source %q", f.Source.Kind))
	}
	switch f.Sink.Kind {
	case "kafka", "stdout":
	default:
		errs = append(errs, fmt.Errorf("unsupported sink %q", f.Sink.Kind))
	}
	if f.Bridge.BatchSize < 0 {
		errs = append(errs, errors.New("bridge.batch_size must be positive"))
	}
	switch f.Bridge.OnTransformError {
	case "skip", "abort":
	default:
		errs = append(errs, fmt.Errorf("bridge.on_transform_error %q (want skip or abort)", f.Bridge.OnTransformError))
	}
	if f.Bridge.Backoff.Max < f.Bridge.Backoff.Initial {
		errs = append(errs, errors.New("bridge.backoff.max below initial"))
	}
	return errors.Join(errs...)
}
