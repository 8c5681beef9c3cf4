package config

import (
	sinkkafka "txbridge/sink/kafka"
	srckafka "txbridge/source/kafka"
)

// LoadSourceConfig reads a source driver file (koanf, env prefix
// TXBRIDGE_SOURCE__).
func LoadSourceConfig(path string) (srckafka.Config, error) {
	return srckafka.LoadConfig(path)
}

// LoadSinkConfig reads a transactional sink file (koanf, env prefix
// TXBRIDGE_SINK__).
func LoadSinkConfig(path string) (sinkkafka.Config, error) {
	return sinkkafka.LoadConfig(path)
}
