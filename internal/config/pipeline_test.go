package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePipeline(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "pipeline.yml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write pipeline: %v", err)
	}
	return p
}

func TestLoadPipelineSpec_ResolvesRelativeConfigsAndSchema(t *testing.T) {
	p := writePipeline(t, `schema_version: v1
name: orders
source:
  kind: kafka
  driver: sarama
  config: kafka_source.yml
sink:
  kind: kafka
  config: /etc/txbridge/sink.yml
transformers:
  - name: json
bridge:
  batch_size: 3
  batch_window: 250ms
timeouts:
  commit: 10s
`)
	cfg, err := LoadPipelineSpec(p)
	if err != nil {
		t.Fatalf("LoadPipelineSpec: %v", err)
	}
	if cfg.SchemaVersion != SupportedSchema {
		t.Fatalf("want schema %s, got %s", SupportedSchema, cfg.SchemaVersion)
	}
	if want := filepath.Join(filepath.Dir(p), "kafka_source.yml"); cfg.Source.Config != want {
		t.Fatalf("source config = %q, want %q", cfg.Source.Config, want)
	}
	if cfg.Sink.Config != "/etc/txbridge/sink.yml" {
		t.Fatalf("absolute sink config rewritten to %q", cfg.Sink.Config)
	}
	if cfg.Bridge.BatchSize != 3 || cfg.Bridge.BatchWindow != 250*time.Millisecond {
		t.Fatalf("bridge section not decoded: %+v", cfg.Bridge)
	}
	if cfg.Timeouts.Commit != 10*time.Second || cfg.Timeouts.Abort != 30*time.Second {
		t.Fatalf("timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Bridge.OnTransformError != "skip" {
		t.Fatalf("default poison policy = %q, want skip", cfg.Bridge.OnTransformError)
	}
}

func TestLoadPipelineSpec_InvalidSchema(t *testing.T) {
	p := writePipeline(t, `schema_version: v999
source: { kind: kafka, driver: sarama, config: cf.yml }
sink: { kind: kafka, config: sk.yml }
`)
	if _, err := LoadPipelineSpec(p); err == nil {
		t.Fatal("expected error for invalid schema_version")
	}
}

func TestLoadPipelineSpec_RejectsUnknownPolicy(t *testing.T) {
	p := writePipeline(t, `source: { kind: kafka }
sink: { kind: stdout }
bridge: { on_transform_error: retry }
`)
	if _, err := LoadPipelineSpec(p); err == nil {
		t.Fatal("expected error for unknown on_transform_error")
	}
}
