package vm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Need is one proof requirement recorded during evaluation: either the
// account state of Target or a single storage slot of Target.
//
// Account needs for the same target share one *Need, so upgrading Required
// is visible at every position in the trace that references it.
type Need struct {
	Target   common.Address
	Slot     uint256.Int // unused for account needs
	Account  bool
	Required bool // account proof must show a contract
}

func (n *Need) String() string {
	if n.Account {
		return fmt.Sprintf("%v:account(required=%t)", n.Target, n.Required)
	}
	return fmt.Sprintf("%v:%s", n.Target, n.Slot.Hex())
}

// ProofSequence is a deduplicated list of encoded proofs plus, for each need
// in trace order, the index of its proof.
type ProofSequence struct {
	Proofs [][]byte
	Order  []byte
}

// Expand returns one proof per need in trace order.
func (s *ProofSequence) Expand() ([][]byte, error) {
	out := make([][]byte, len(s.Order))
	for i, ref := range s.Order {
		if int(ref) >= len(s.Proofs) {
			return nil, fmt.Errorf("proof sequence: order[%d] = %d out of range %d", i, ref, len(s.Proofs))
		}
		out[i] = s.Proofs[ref]
	}
	return out, nil
}
