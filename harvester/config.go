package harvester

import "github.com/hazyhaar/harvester/harvester/internal/config"

// Config is the top-level harvester configuration. Re-exported from internal.
type Config = config.Config

// SinkConfig defines an output backend.
type SinkConfig = config.SinkConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return config.Default()
}
