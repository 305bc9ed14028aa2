// Package rollup defines how a chain family exposes provable commits, and
// the Gateway that answers proof requests against recent ones.
package rollup

import (
	"context"
	"errors"
	"fmt"

	"github.com/TateB/evmgateway-v2/vm"
)

var (
	ErrNoParentCommit = errors.New("rollup: no parent commit")
	ErrInvalidCommit  = errors.New("rollup: invalid commit")
	ErrTooOld         = errors.New("rollup: commit too old")
)

// Commit is a provable state of a chain. Its prover reads that state.
type Commit interface {
	Index() uint64
	Prover() vm.Prover
}

// Rollup is implemented by each chain family.
type Rollup interface {
	// FetchLatestCommitIndex returns the newest commit index the verifier
	// accepts.
	FetchLatestCommitIndex(ctx context.Context) (uint64, error)

	// FetchParentCommitIndex returns the commit preceding c.
	FetchParentCommitIndex(ctx context.Context, c Commit) (uint64, error)

	// FetchCommit builds the commit at index.
	FetchCommit(ctx context.Context, index uint64) (Commit, error)

	// EncodeWitness packs proofs for c into the verifier's witness format.
	EncodeWitness(c Commit, proofs *vm.ProofSequence) ([]byte, error)
}

// Chain wraps a Rollup with commit validation. Configure, when set, is
// applied to every commit it returns.
type Chain struct {
	Rollup
	Configure func(Commit)
}

// NewChain wraps r.
func NewChain(r Rollup) *Chain {
	return &Chain{Rollup: r}
}

// LatestCommit fetches the newest commit.
func (c *Chain) LatestCommit(ctx context.Context) (Commit, error) {
	index, err := c.FetchLatestCommitIndex(ctx)
	if err != nil {
		return nil, err
	}
	return c.Commit(ctx, index)
}

// Commit fetches the commit at index.
func (c *Chain) Commit(ctx context.Context, index uint64) (Commit, error) {
	commit, err := c.FetchCommit(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("%w %d: %w", ErrInvalidCommit, index, err)
	}
	if c.Configure != nil {
		c.Configure(commit)
	}
	return commit, nil
}

// ParentCommitIndex returns the index preceding commit. Parents are
// strictly older; anything else is ErrNoParentCommit.
func (c *Chain) ParentCommitIndex(ctx context.Context, commit Commit) (uint64, error) {
	if commit.Index() == 0 {
		return 0, ErrNoParentCommit
	}
	parent, err := c.FetchParentCommitIndex(ctx, commit)
	if err != nil {
		return 0, err
	}
	if parent >= commit.Index() {
		return 0, fmt.Errorf("%w: %d", ErrNoParentCommit, commit.Index())
	}
	return parent, nil
}

// ParentCommit fetches the commit preceding commit.
func (c *Chain) ParentCommit(ctx context.Context, commit Commit) (Commit, error) {
	index, err := c.ParentCommitIndex(ctx, commit)
	if err != nil {
		return nil, err
	}
	return c.Commit(ctx, index)
}

// RecentCommits returns up to count commits, newest first. The walk stops
// early at the first commit without a parent.
func (c *Chain) RecentCommits(ctx context.Context, count int) ([]Commit, error) {
	if count <= 0 {
		return nil, nil
	}
	commit, err := c.LatestCommit(ctx)
	if err != nil {
		return nil, err
	}
	commits := []Commit{commit}
	for len(commits) < count {
		commit, err = c.ParentCommit(ctx, commit)
		if errors.Is(err, ErrNoParentCommit) {
			break
		}
		if err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	return commits, nil
}
