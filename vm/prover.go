package vm

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Prover answers storage queries against one fixed state and proves the
// needs an evaluation recorded. Each chain family provides its own.
type Prover interface {
	// Limits returns the resource limits enforced during evaluation.
	Limits() Limits

	// IsContract reports whether target has code.
	IsContract(ctx context.Context, target common.Address) (bool, error)

	// GetStorage returns the raw value of a storage slot, zero if unset.
	GetStorage(ctx context.Context, target common.Address, slot *uint256.Int) (common.Hash, error)

	// Prove returns the deduplicated proofs for needs in trace order.
	Prove(ctx context.Context, needs []*Need) (*ProofSequence, error)
}
