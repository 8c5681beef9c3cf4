package kafka

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "TXBRIDGE_SINK__"

type Config struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
	// TransactionalID must be stable for one logical bridge and unique among
	// bridges running at the same time.
	TransactionalID string `koanf:"transactional_id"`
	ClientID        string `koanf:"client_id"`
	Version         string `koanf:"version"`
	TLSEn           bool   `koanf:"tls_enabled"`
	SASLUser        string `koanf:"sasl_user"`
	SASLPass        string `koanf:"sasl_pass"`

	MaxInFlight        int64         `koanf:"max_in_flight"`  // records awaiting broker ack
	ChannelBuffer      int           `koanf:"channel_buffer"` // sarama input channel size
	TransactionTimeout time.Duration `koanf:"transaction_timeout"`
	RetryMax           int           `koanf:"retry_max"`
	RetryBackoff       time.Duration `koanf:"retry_backoff"`
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `TXBRIDGE_SINK__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("kafka sink schema_version %q not supported (want v1)", sv)
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, "__", func(key, value string) (string, any) {
		key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		if key == "brokers" {
			return key, strings.Split(value, ",")
		}
		return key, value
	}), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.Validate()
}

func applyDefaults(c *Config) {
	if c.TransactionalID == "" && c.Topic != "" {
		c.TransactionalID = "txbridge-" + c.Topic
	}
	if c.ClientID == "" {
		c.ClientID = "txbridge-producer"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 10_000
	}
	if c.ChannelBuffer == 0 {
		c.ChannelBuffer = 256
	}
	if c.TransactionTimeout == 0 {
		c.TransactionTimeout = time.Minute
	}
	if c.RetryMax == 0 {
		c.RetryMax = 50
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.TransactionalID == "" {
		errs = append(errs, errors.New("transactional_id is required"))
	}
	if c.MaxInFlight < 0 {
		errs = append(errs, errors.New("max_in_flight must be positive"))
	}
	return errors.Join(errs...)
}
