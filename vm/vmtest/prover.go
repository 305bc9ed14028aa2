// Package vmtest provides an in-memory vm.Prover for tests. Storage is
// written with the Solidity layout helpers so programs can be evaluated
// against realistic contracts without a node.
package vmtest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/TateB/evmgateway-v2/vm"
)

// Prover is a fake world state. Proofs are deterministic byte strings
// derived from the target and slot; see AccountProof and StorageProof.
type Prover struct {
	limits vm.Limits

	mu      sync.Mutex
	code    map[common.Address]bool
	storage map[common.Address]map[uint256.Int]common.Hash

	// Call counters.
	StorageReads atomic.Int64
	CodeChecks   atomic.Int64
	TargetProofs atomic.Int64
}

var (
	_ vm.Prover       = (*Prover)(nil)
	_ vm.TargetProver = (*Prover)(nil)
)

// NewProver returns an empty world with the default limits.
func NewProver() *Prover {
	return &Prover{
		limits:  vm.DefaultLimits(),
		code:    make(map[common.Address]bool),
		storage: make(map[common.Address]map[uint256.Int]common.Hash),
	}
}

// SetLimits replaces the limits.
func (p *Prover) SetLimits(l vm.Limits) { p.limits = l }

func (p *Prover) Limits() vm.Limits { return p.limits }

// SetCode marks target as a contract.
func (p *Prover) SetCode(target common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.code[target] = true
}

// SetStorage writes one slot. Writing to a target also marks it a contract.
func (p *Prover) SetStorage(target common.Address, slot *uint256.Int, value common.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.code[target] = true
	m := p.storage[target]
	if m == nil {
		m = make(map[uint256.Int]common.Hash)
		p.storage[target] = m
	}
	m[*slot] = value
}

// SetUint writes x right-aligned into slot.
func (p *Prover) SetUint(target common.Address, slot *uint256.Int, x uint64) {
	p.SetStorage(target, slot, uint256.NewInt(x).Bytes32())
}

// SetBytes writes data with the Solidity bytes/string layout.
func (p *Prover) SetBytes(target common.Address, slot *uint256.Int, data []byte) {
	if len(data) < 32 {
		var word common.Hash
		copy(word[:], data)
		word[31] = byte(len(data) << 1)
		p.SetStorage(target, slot, word)
		return
	}
	p.SetUint(target, slot, uint64(len(data))<<1|1)
	p.setWords(target, vm.ArraySlots(slot, (len(data)+31)/32), data)
}

// SetArray writes a dynamic array of length elements whose data words are
// words, starting at keccak(slot).
func (p *Prover) SetArray(target common.Address, slot *uint256.Int, length uint64, words []common.Hash) {
	p.SetUint(target, slot, length)
	for i, s := range vm.ArraySlots(slot, len(words)) {
		p.SetStorage(target, &s, words[i])
	}
}

func (p *Prover) setWords(target common.Address, slots []uint256.Int, data []byte) {
	for i := range slots {
		var word common.Hash
		copy(word[:], data[i*32:])
		p.SetStorage(target, &slots[i], word)
	}
}

func (p *Prover) IsContract(_ context.Context, target common.Address) (bool, error) {
	p.CodeChecks.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code[target], nil
}

func (p *Prover) GetStorage(_ context.Context, target common.Address, slot *uint256.Int) (common.Hash, error) {
	p.StorageReads.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.storage[target][*slot], nil
}

func (p *Prover) Prove(ctx context.Context, needs []*vm.Need) (*vm.ProofSequence, error) {
	return vm.ReduceNeeds(ctx, needs, p.limits.MaxUniqueProofs, p)
}

func (p *Prover) KnownNonContract(target common.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.code[target]
}

func (p *Prover) ProveTarget(_ context.Context, target common.Address, slots []uint256.Int) ([]byte, [][]byte, error) {
	p.TargetProofs.Add(1)
	p.mu.Lock()
	contract := p.code[target]
	p.mu.Unlock()
	if !contract {
		return AccountProof(target), nil, nil
	}
	storage := make([][]byte, len(slots))
	for i := range slots {
		storage[i] = StorageProof(target, &slots[i])
	}
	return AccountProof(target), storage, nil
}

// AccountProof is the fake proof returned for target's account.
func AccountProof(target common.Address) []byte {
	return append([]byte{0xac}, target.Bytes()...)
}

// StorageProof is the fake proof returned for one slot of target.
func StorageProof(target common.Address, slot *uint256.Int) []byte {
	b := slot.Bytes32()
	return append(append([]byte{0x5e}, target.Bytes()...), b[:]...)
}
