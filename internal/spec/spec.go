package spec

import "time"

type Endpoint struct {
	Kind   string `yaml:"kind"`   // "kafka" or "stdout"
	Driver string `yaml:"driver"` // e.g. "sarama"
	Config string `yaml:"config"` // driver config file, relative to pipeline.yml
}

type TransformerSpec struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`    // "inproc" or "grpc"
	Address     string `yaml:"address"` // e.g. "localhost:50051"
	TimeoutMS   int    `yaml:"timeout_ms"`
	RetryPolicy struct {
		Attempts  int `yaml:"attempts"`
		BackoffMS int `yaml:"backoff_ms"`
	} `yaml:"retry_policy"`
}

type Backoff struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

type BridgeSection struct {
	BatchSize         int           `yaml:"batch_size"`
	BatchWindow       time.Duration `yaml:"batch_window"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	OnTransformError  string        `yaml:"on_transform_error"` // "skip" or "abort"
	BufferFullRetries int           `yaml:"buffer_full_retries"`
	MaxAbortAttempts  int           `yaml:"max_abort_attempts"`
	Backoff           Backoff       `yaml:"backoff"`
}

type Timeouts struct {
	Init    time.Duration `yaml:"init"`
	Enqueue time.Duration `yaml:"enqueue"`
	Commit  time.Duration `yaml:"commit"`
	Abort   time.Duration `yaml:"abort"`
}

type debugSection struct {
	DelayMS      int  `yaml:"delay_ms"`
	PrintOffsets bool `yaml:"print_offsets"`
}

type File struct {
	SchemaVersion string `yaml:"schema_version"`
	Name          string `yaml:"name"`

	Source Endpoint `yaml:"source"`
	Sink   Endpoint `yaml:"sink"`

	// Ordered list of transformers applied between source and sink.
	Transformers []TransformerSpec `yaml:"transformers"`

	Bridge   BridgeSection `yaml:"bridge"`
	Timeouts Timeouts      `yaml:"timeouts"`
	Debug    debugSection  `yaml:"debug"` // stdout sink only
}
