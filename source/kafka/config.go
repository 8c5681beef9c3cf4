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

const EnvPrefix = "TXBRIDGE_SOURCE__"

type Config struct {
	Brokers   []string `koanf:"brokers"`
	Topics    []string `koanf:"topics"`
	GroupID   string   `koanf:"group_id"`
	ClientID  string   `koanf:"client_id"`
	StartFrom string   `koanf:"start_from"` // oldest|newest (default oldest)
	Version   string   `koanf:"version"`
	TLSEn     bool     `koanf:"tls_enabled"`
	SASLUser  string   `koanf:"sasl_user"`
	SASLPass  string   `koanf:"sasl_pass"`

	Rebalance      string        `koanf:"rebalance_strategy"` // range|roundrobin|sticky
	SessionTimeout time.Duration `koanf:"session_timeout"`
	RetryBackoff   time.Duration `koanf:"retry_backoff"` // pause after a failed group join
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `TXBRIDGE_SOURCE__`, delimiter `__`).
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
		return Config{}, fmt.Errorf("kafka source schema_version %q not supported (want v1)", sv)
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, "__", envValue), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, cfg.Validate()
}

func envValue(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	switch key {
	case "brokers", "topics":
		return key, strings.Split(value, ",")
	}
	return key, value
}

func applyDefaults(c *Config) {
	if c.StartFrom == "" {
		c.StartFrom = "oldest"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.ClientID == "" {
		c.ClientID = "txbridge-consumer"
	}
	if c.GroupID == "" && len(c.Topics) > 0 {
		c.GroupID = "txbridge-" + c.Topics[0]
	}
	if c.Rebalance == "" {
		c.Rebalance = "range"
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 10 * time.Second
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 2 * time.Second
	}
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}
	if len(c.Topics) == 0 {
		errs = append(errs, errors.New("topics are required"))
	}
	switch c.StartFrom {
	case "oldest", "newest":
	default:
		errs = append(errs, fmt.Errorf("start_from %q must be oldest or newest", c.StartFrom))
	}
	switch c.Rebalance {
	case "range", "roundrobin", "sticky":
	default:
		errs = append(errs, fmt.Errorf("rebalance_strategy %q is not supported", c.Rebalance))
	}
	return errors.Join(errs...)
}
