package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/TateB/evmgateway-v2/eth"
	"github.com/TateB/evmgateway-v2/rollup"
)

// Config is the TOML configuration file. Command-line flags override it.
type Config struct {
	RPC         string `toml:"rpc"`
	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"`

	// Step is the distance in blocks between commits.
	Step uint64 `toml:"step"`

	// PollIntervalMs is how often watch checks for a new commit.
	PollIntervalMs int64 `toml:"poll_interval_ms"`

	Prover  eth.Config           `toml:"prover"`
	Gateway rollup.GatewayConfig `toml:"gateway"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		RPC:            "http://127.0.0.1:8545",
		LogLevel:       "info",
		MetricsAddr:    "127.0.0.1:9090",
		Step:           1,
		PollIntervalMs: 12_000,
		Prover:         eth.DefaultConfig(),
		Gateway:        rollup.DefaultGatewayConfig(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.RPC == "" {
		return errors.New("config: rpc url is required")
	}
	if c.Step == 0 {
		return errors.New("config: step must be positive")
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("config: poll interval must be positive: %d", c.PollIntervalMs)
	}
	if err := c.Prover.Validate(); err != nil {
		return err
	}
	return c.Gateway.Validate()
}

func (c *Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// LoadConfig reads a TOML file over the defaults. Unknown keys are errors.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := toml.NewDecoder(f).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
