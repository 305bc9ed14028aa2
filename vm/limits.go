package vm

import (
	"errors"
	"fmt"
)

// MaxStack is the fixed stack depth shared with the on-chain verifier.
const MaxStack = 64

// Limits bounds the resources a single evaluation may consume. Every
// prover enforces the same limits the verifier contract does.
type Limits struct {
	// MaxReadBytes caps the bytes produced by one dynamic read. It is also
	// bounded by the proof count, one storage proof per 32 bytes.
	MaxReadBytes int `toml:"max_read_bytes"`

	// MaxUniqueProofs caps account plus storage proofs per evaluation. The
	// order mapping is one byte per need, so it cannot exceed 256.
	MaxUniqueProofs int `toml:"max_unique_proofs"`

	// MaxUniqueTargets caps distinct account proofs per evaluation.
	MaxUniqueTargets int `toml:"max_unique_targets"`

	// ProofBatchSize is the number of storage slots requested per proof call.
	ProofBatchSize int `toml:"proof_batch_size"`
}

// DefaultLimits returns the limits used by the deployed verifiers.
func DefaultLimits() Limits {
	return Limits{
		MaxReadBytes:     32 * 32,
		MaxUniqueProofs:  128,
		MaxUniqueTargets: 32,
		ProofBatchSize:   64,
	}
}

// Validate checks the limits for consistency.
func (l Limits) Validate() error {
	if l.MaxReadBytes < 0 {
		return errors.New("limits: max read bytes must not be negative")
	}
	if l.MaxUniqueProofs < 1 || l.MaxUniqueProofs > 256 {
		return fmt.Errorf("limits: max unique proofs must be in [1, 256]: %d", l.MaxUniqueProofs)
	}
	if l.MaxUniqueTargets < 1 {
		return fmt.Errorf("limits: max unique targets must be positive: %d", l.MaxUniqueTargets)
	}
	if l.ProofBatchSize < 1 {
		return fmt.Errorf("limits: proof batch size must be positive: %d", l.ProofBatchSize)
	}
	return nil
}

// CheckSize fails with ErrTooManyBytes when size exceeds MaxReadBytes.
func (l Limits) CheckSize(size uint64) (int, error) {
	if size > uint64(l.MaxReadBytes) {
		return 0, &LimitError{Limit: ErrTooManyBytes, Value: size, Max: l.MaxReadBytes}
	}
	return int(size), nil
}
