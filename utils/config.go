package utils

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds verification run configuration
type Config struct {
	// Lambda is the ReLU relaxation slope for crossing neurons.
	Lambda float64 `yaml:"lambda"`

	// Eps is the default L∞ radius when a command does not override it.
	Eps float64 `yaml:"eps"`

	// MaxGenerators caps the zonotope size; 0 means unlimited.
	MaxGenerators int `yaml:"max_generators"`

	// Workers bounds parallelism inside one layer; 0 means GOMAXPROCS.
	Workers int `yaml:"workers"`

	// Timeout per query, e.g. "30s". Empty means none.
	Timeout string `yaml:"timeout"`

	// Samples drawn by the empirical cross-check attacker.
	Samples int `yaml:"samples"`
}

// DefaultConfig returns slope 0.4 and eps 0.02, the MNIST benchmark settings.
func DefaultConfig() *Config {
	return &Config{
		Lambda:  0.4,
		Eps:     0.02,
		Samples: 40,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TimeoutDuration parses Timeout; empty means zero.
func (c *Config) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", c.Timeout, err)
	}
	return d, nil
}

// ValidateConfig validates verification configuration
func ValidateConfig(config *Config) error {
	if math.IsNaN(config.Lambda) || config.Lambda < 0 || config.Lambda > 1 {
		return fmt.Errorf("lambda must be in [0,1]")
	}

	if math.IsNaN(config.Eps) || config.Eps < 0 {
		return fmt.Errorf("eps must be non-negative")
	}

	if config.MaxGenerators < 0 {
		return fmt.Errorf("max_generators must be non-negative")
	}

	if config.Workers < 0 {
		return fmt.Errorf("workers must be non-negative")
	}

	if config.Samples < 0 {
		return fmt.Errorf("samples must be non-negative")
	}

	d, err := config.TimeoutDuration()
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}

	return nil
}
