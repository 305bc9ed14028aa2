package vm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"
)

// TargetProver fetches encoded proofs for one target. Chain-specific
// provers implement it and call ReduceNeeds from Prove.
type TargetProver interface {
	// KnownNonContract reports, without I/O, whether target is already
	// known to have no code.
	KnownNonContract(target common.Address) bool

	// ProveTarget returns the encoded account proof of target and one
	// encoded storage proof per slot, in slot order. storage is nil when
	// the account turns out not to be a contract.
	ProveTarget(ctx context.Context, target common.Address, slots []uint256.Int) (account []byte, storage [][]byte, err error)
}

type proofRef struct {
	id    int
	proof []byte
}

type targetBucket struct {
	target  common.Address
	account *proofRef
	slots   []uint256.Int // first-seen order
	refs    []*proofRef   // parallel to slots
	index   map[uint256.Int]*proofRef
}

func (b *targetBucket) slotRef(slot uint256.Int, alloc func() *proofRef) *proofRef {
	if ref, ok := b.index[slot]; ok {
		return ref
	}
	ref := alloc()
	b.index[slot] = ref
	b.slots = append(b.slots, slot)
	b.refs = append(b.refs, ref)
	return ref
}

func newBucket(target common.Address) *targetBucket {
	return &targetBucket{target: target, index: make(map[uint256.Int]*proofRef)}
}

// ReduceNeeds turns a need trace into a ProofSequence. Every distinct
// account and every distinct (target, slot) gets one proof, allocated in
// first-seen order; Order maps each need to its proof. Targets are proved
// in parallel. Slots of a target known not to be a contract, and slots read
// before any target was selected, get empty proofs.
func ReduceNeeds(ctx context.Context, needs []*Need, maxProofs int, p TargetProver) (*ProofSequence, error) {
	var (
		refs    []*proofRef
		buckets []*targetBucket
		targets = make(map[common.Address]*targetBucket)
		orphans = make(map[common.Address]*targetBucket)
		order   = make([]int, len(needs))
	)
	alloc := func() *proofRef {
		ref := &proofRef{id: len(refs), proof: []byte{}}
		refs = append(refs, ref)
		return ref
	}
	for i, need := range needs {
		bucket := targets[need.Target]
		if need.Account {
			if bucket == nil {
				bucket = newBucket(need.Target)
				bucket.account = alloc()
				targets[need.Target] = bucket
				buckets = append(buckets, bucket)
			}
			order[i] = bucket.account.id
			continue
		}
		if bucket == nil {
			bucket = orphans[need.Target]
			if bucket == nil {
				bucket = newBucket(need.Target)
				orphans[need.Target] = bucket
			}
		}
		order[i] = bucket.slotRef(need.Slot, alloc).id
	}
	maxProofs = min(maxProofs, 256)
	if len(refs) > maxProofs {
		return nil, &LimitError{Limit: ErrTooManyProofs, Value: uint64(len(refs)), Max: maxProofs}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range buckets {
		g.Go(func() error {
			slots := b.slots
			if p.KnownNonContract(b.target) {
				slots = nil
			}
			account, storage, err := p.ProveTarget(gctx, b.target, slots)
			if err != nil {
				return err
			}
			b.account.proof = account
			if len(slots) > 0 && storage != nil {
				if len(storage) != len(b.refs) {
					return fmt.Errorf("prove %v: got %d storage proofs for %d slots", b.target, len(storage), len(b.refs))
				}
				for i, ref := range b.refs {
					ref.proof = storage[i]
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seq := &ProofSequence{
		Proofs: make([][]byte, len(refs)),
		Order:  make([]byte, len(order)),
	}
	for i, ref := range refs {
		seq.Proofs[i] = ref.proof
	}
	for i, id := range order {
		seq.Order[i] = byte(id)
	}
	return seq, nil
}
