package eth

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/TateB/evmgateway-v2/rollup"
	"github.com/TateB/evmgateway-v2/vm"
)

// Commit is a block of the chain the verifier runs on.
type Commit struct {
	index  uint64
	prover *Prover
}

var _ rollup.Commit = (*Commit)(nil)

// NewCommit pairs a prover with the commit index it reads.
func NewCommit(index uint64, p *Prover) *Commit {
	return &Commit{index: index, prover: p}
}

func (c *Commit) Index() uint64 { return c.index }

func (c *Commit) Prover() vm.Prover { return c.prover }

// EthProver returns the concrete prover.
func (c *Commit) EthProver() *Prover { return c.prover }

// Rollup proves the chain's own state: every block is a commit, Step blocks
// apart. The verifier checks proofs against a block hash it can read
// itself.
type Rollup struct {
	backend Backend
	cfg     Config

	// Step is the distance between consecutive commits.
	Step uint64
}

var _ rollup.Rollup = (*Rollup)(nil)

// NewRollup returns a self-verifying rollup over backend with a step of one
// block.
func NewRollup(backend Backend, cfg Config) *Rollup {
	return &Rollup{backend: backend, cfg: cfg, Step: 1}
}

func (r *Rollup) FetchLatestCommitIndex(ctx context.Context) (uint64, error) {
	return r.backend.BlockNumber(ctx)
}

func (r *Rollup) FetchParentCommitIndex(_ context.Context, c rollup.Commit) (uint64, error) {
	step := max(r.Step, 1)
	if c.Index() < step {
		return 0, rollup.ErrNoParentCommit
	}
	return c.Index() - step, nil
}

func (r *Rollup) FetchCommit(_ context.Context, index uint64) (rollup.Commit, error) {
	p, err := NewProver(r.backend, new(big.Int).SetUint64(index), r.cfg)
	if err != nil {
		return nil, err
	}
	return NewCommit(index, p), nil
}

var witnessArgs = abi.Arguments{
	{Type: mustType("uint256")},
	{Type: mustType("bytes[]")},
	{Type: mustType("bytes")},
}

// EncodeWitness packs (uint256 index, bytes[] proofs, bytes order).
func (r *Rollup) EncodeWitness(c rollup.Commit, proofs *vm.ProofSequence) ([]byte, error) {
	return witnessArgs.Pack(new(big.Int).SetUint64(c.Index()), proofs.Proofs, proofs.Order)
}
