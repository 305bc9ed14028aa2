package eth

import (
	"errors"
	"time"

	"github.com/TateB/evmgateway-v2/cached"
	"github.com/TateB/evmgateway-v2/vm"
)

// Config configures a Prover.
type Config struct {
	Limits vm.Limits `toml:"limits"`

	// ProofCacheSize bounds the account and storage proof LRUs.
	ProofCacheSize int `toml:"proof_cache_size"`

	// UseFastCalls answers GetStorage and IsContract with eth_getStorageAt
	// and eth_getCode when no proof is cached yet.
	UseFastCalls bool `toml:"use_fast_calls"`

	// FastCallCacheMs is how long fast call results are kept. Zero shares
	// in-flight calls but keeps nothing.
	FastCallCacheMs int64 `toml:"fast_call_cache_ms"`

	// ProofRetryCount is the number of extra attempts per eth_getProof.
	ProofRetryCount int `toml:"proof_retry_count"`
}

// DefaultConfig returns the settings used by the gateway.
func DefaultConfig() Config {
	return Config{
		Limits:         vm.DefaultLimits(),
		ProofCacheSize: cached.DefaultLRUSize,
		UseFastCalls:   true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.ProofCacheSize < 0 {
		return errors.New("eth: proof cache size must not be negative")
	}
	if c.FastCallCacheMs < 0 {
		return errors.New("eth: fast call cache must not be negative")
	}
	if c.ProofRetryCount < 0 {
		return errors.New("eth: proof retry count must not be negative")
	}
	return nil
}

func (c Config) fastCallTTL() time.Duration {
	return time.Duration(c.FastCallCacheMs) * time.Millisecond
}
