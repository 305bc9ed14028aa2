// Package eth proves storage of an Ethereum-compatible chain at a fixed
// block using eth_getProof.
package eth

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/TateB/evmgateway-v2/cached"
	"github.com/TateB/evmgateway-v2/log"
	"github.com/TateB/evmgateway-v2/metrics"
	"github.com/TateB/evmgateway-v2/vm"
)

var (
	logger = log.Module("eth")

	proofCalls = metrics.NewCounter("eth", "get_proof_calls_total",
		"eth_getProof requests sent.")
	proofSlots = metrics.NewCounter("eth", "get_proof_slots_total",
		"Storage slots requested through eth_getProof.")
	fastCalls = metrics.NewCounterVec("eth", "fast_calls_total",
		"eth_getStorageAt and eth_getCode requests sent.", "method")
)

type storageKey struct {
	target common.Address
	slot   uint256.Int
}

// Prover implements vm.Prover for one block. Proofs are cached per account
// and per slot; concurrent requests that overlap share a single
// eth_getProof for the overlapping part.
type Prover struct {
	backend Backend
	block   *big.Int
	cfg     Config

	// acquireMu makes registering an account and its slots atomic.
	acquireMu sync.Mutex
	accounts  *cached.LRU[common.Address, *AccountProof]
	storage   *cached.LRU[storageKey, *StorageProof]

	fastStorage *cached.CachedMap[storageKey, common.Hash]
	fastCode    *cached.CachedMap[common.Address, bool]
}

var (
	_ vm.Prover       = (*Prover)(nil)
	_ vm.TargetProver = (*Prover)(nil)
)

// NewProver returns a prover for block. A nil block follows the node's
// latest block, which is only useful for tests and tooling.
func NewProver(backend Backend, block *big.Int, cfg Config) (*Prover, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	accounts, err := cached.NewLRU[common.Address, *AccountProof](cfg.ProofCacheSize)
	if err != nil {
		return nil, err
	}
	storage, err := cached.NewLRU[storageKey, *StorageProof](cfg.ProofCacheSize)
	if err != nil {
		return nil, err
	}
	ttl := cached.WithTTL(cfg.fastCallTTL())
	return &Prover{
		backend:     backend,
		block:       block,
		cfg:         cfg,
		accounts:    accounts,
		storage:     storage,
		fastStorage: cached.NewCachedMap[storageKey, common.Hash](cached.WithName("eth_storage"), ttl),
		fastCode:    cached.NewCachedMap[common.Address, bool](cached.WithName("eth_code"), ttl),
	}, nil
}

// LatestProver returns a prover pinned to the backend's current block.
func LatestProver(ctx context.Context, backend Backend, cfg Config) (*Prover, error) {
	n, err := backend.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	return NewProver(backend, new(big.Int).SetUint64(n), cfg)
}

// Block returns the block the prover reads.
func (p *Prover) Block() *big.Int { return p.block }

func (p *Prover) Limits() vm.Limits { return p.cfg.Limits }

// FetchProofs requests the account proof of target and the storage proofs
// of slots, ProofBatchSize slots per call. Batches run concurrently and
// their storage proofs are merged in slot order. Nothing is cached.
func (p *Prover) FetchProofs(ctx context.Context, target common.Address, slots []uint256.Int) (*AccountProof, error) {
	size := p.cfg.Limits.ProofBatchSize
	batches := (len(slots) + size - 1) / size
	if batches == 0 {
		batches = 1
	}
	results := make([]*AccountProof, batches)
	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		lo := i * size
		hi := min(lo+size, len(slots))
		keys := make([]common.Hash, hi-lo)
		for j := range keys {
			keys[j] = slots[lo+j].Bytes32()
		}
		g.Go(func() error {
			res, err := p.getProof(gctx, target, keys)
			if err != nil {
				return err
			}
			if len(res.StorageProof) != len(keys) {
				return fmt.Errorf("eth_getProof %v: got %d storage proofs for %d slots", target, len(res.StorageProof), len(keys))
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	merged := results[0]
	for _, res := range results[1:] {
		merged.StorageProof = append(merged.StorageProof, res.StorageProof...)
	}
	return merged, nil
}

func (p *Prover) getProof(ctx context.Context, target common.Address, keys []common.Hash) (*AccountProof, error) {
	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(p.cfg.ProofRetryCount)), ctx)
	return backoff.RetryWithData(func() (*AccountProof, error) {
		proofCalls.Inc()
		proofSlots.Add(float64(len(keys)))
		res, err := p.backend.GetProof(ctx, target, keys, p.block)
		if err != nil {
			logger.Warn("eth_getProof failed", "target", target, "slots", len(keys), "attempt", attempt, "err", err)
			attempt++
			return nil, err
		}
		logger.Debug("eth_getProof", "target", target, "slots", len(keys), "block", p.block)
		return res, nil
	}, policy)
}

// GetProofs returns the account proof of target with one storage proof per
// slot, in slot order. Cached and in-flight proofs are reused; pending
// entries for everything missing are registered before the fetch starts, so
// overlapping callers wait on this fetch instead of issuing their own. The
// fetch finishes even if ctx is cancelled.
func (p *Prover) GetProofs(ctx context.Context, target common.Address, slots []uint256.Int) (*AccountProof, error) {
	p.acquireMu.Lock()
	account, fetchAccount := p.accounts.Acquire(target)
	futures := make([]*cached.Future[*StorageProof], len(slots))
	var missing []int
	for i, slot := range slots {
		f, created := p.storage.Acquire(storageKey{target, slot})
		futures[i] = f
		if created {
			missing = append(missing, i)
		}
	}
	p.acquireMu.Unlock()
	if fetchAccount || len(missing) > 0 {
		want := make([]uint256.Int, len(missing))
		for j, i := range missing {
			want[j] = slots[i]
		}
		detached := context.WithoutCancel(ctx)
		go func() {
			res, err := p.FetchProofs(detached, target, want)
			if fetchAccount {
				if err != nil {
					account.Reject(err)
				} else {
					account.Resolve(res.withoutStorage())
				}
			}
			for j, i := range missing {
				if err != nil {
					futures[i].Reject(err)
				} else {
					futures[i].Resolve(&res.StorageProof[j])
				}
			}
		}()
	}

	a, err := account.Wait(ctx)
	if err != nil {
		return nil, err
	}
	res := a.withoutStorage()
	res.StorageProof = make([]StorageProof, len(futures))
	for i, f := range futures {
		s, err := f.Wait(ctx)
		if err != nil {
			return nil, err
		}
		res.StorageProof[i] = *s
	}
	return res, nil
}

// GetStorage returns a slot value, preferring cached proofs, then the fast
// call cache, then a fresh proof.
func (p *Prover) GetStorage(ctx context.Context, target common.Address, slot *uint256.Int) (common.Hash, error) {
	if f := p.accounts.Touch(target); f != nil {
		if a, err := f.Wait(ctx); err == nil && !a.IsContract() {
			return common.Hash{}, nil
		}
	}
	key := storageKey{target, *slot}
	if f := p.storage.Touch(key); f != nil {
		if s, err := f.Wait(ctx); err == nil {
			return s.Word(), nil
		}
	}
	if p.cfg.UseFastCalls {
		return p.fastStorage.GetTTL(ctx, key, p.fetchStorage, p.cfg.fastCallTTL())
	}
	res, err := p.GetProofs(ctx, target, []uint256.Int{*slot})
	if err != nil {
		return common.Hash{}, err
	}
	return res.StorageProof[0].Word(), nil
}

func (p *Prover) fetchStorage(ctx context.Context, key storageKey) (common.Hash, error) {
	fastCalls.WithLabelValues("eth_getStorageAt").Inc()
	v, err := p.backend.StorageAt(ctx, key.target, key.slot.Bytes32(), p.block)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(v), nil
}

// IsContract reports whether target has code at the prover's block.
func (p *Prover) IsContract(ctx context.Context, target common.Address) (bool, error) {
	if p.cfg.UseFastCalls {
		return p.fastCode.GetTTL(ctx, target, p.fetchCode, p.cfg.fastCallTTL())
	}
	res, err := p.GetProofs(ctx, target, nil)
	if err != nil {
		return false, err
	}
	return res.IsContract(), nil
}

func (p *Prover) fetchCode(ctx context.Context, target common.Address) (bool, error) {
	fastCalls.WithLabelValues("eth_getCode").Inc()
	code, err := p.backend.CodeAt(ctx, target, p.block)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// KnownNonContract reports whether a settled account proof shows target
// has no code.
func (p *Prover) KnownNonContract(target common.Address) bool {
	f := p.accounts.Peek(target)
	if f == nil {
		return false
	}
	a, err, ok := f.Result()
	return ok && err == nil && !a.IsContract()
}

// ProveTarget returns the encoded account proof and, for contracts, one
// encoded storage proof per slot.
func (p *Prover) ProveTarget(ctx context.Context, target common.Address, slots []uint256.Int) ([]byte, [][]byte, error) {
	res, err := p.GetProofs(ctx, target, slots)
	if err != nil {
		return nil, nil, err
	}
	account, err := EncodeProof(res.AccountProof)
	if err != nil {
		return nil, nil, err
	}
	if !res.IsContract() {
		return account, nil, nil
	}
	storage := make([][]byte, len(res.StorageProof))
	for i := range res.StorageProof {
		if storage[i], err = EncodeProof(res.StorageProof[i].Proof); err != nil {
			return nil, nil, err
		}
	}
	return account, storage, nil
}

// Prove implements vm.Prover.
func (p *Prover) Prove(ctx context.Context, needs []*vm.Need) (*vm.ProofSequence, error) {
	return vm.ReduceNeeds(ctx, needs, p.cfg.Limits.MaxUniqueProofs, p)
}

// StorageMap lists the cached proofs by target: every target with a cached
// account or storage proof, with its proven slots in ascending order.
func (p *Prover) StorageMap() map[common.Address][]uint256.Int {
	m := make(map[common.Address][]uint256.Int)
	for _, a := range p.accounts.Keys() {
		if _, ok := m[a]; !ok {
			m[a] = nil
		}
	}
	for _, k := range p.storage.Keys() {
		m[k.target] = append(m[k.target], k.slot)
	}
	for _, slots := range m {
		sort.Slice(slots, func(i, j int) bool { return slots[i].Lt(&slots[j]) })
	}
	return m
}
