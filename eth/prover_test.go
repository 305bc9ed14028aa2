package eth

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/TateB/evmgateway-v2/vm"
)

var (
	contract = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	eoa      = common.HexToAddress("0x00000000000000000000000000000000000000e0")
)

type proofCall struct {
	target common.Address
	slots  []common.Hash
}

// fakeBackend serves a tiny world state. Proof nodes are the target address
// and the slot key, so tests can tell proofs apart.
type fakeBackend struct {
	mu      sync.Mutex
	code    map[common.Address]bool
	storage map[common.Address]map[common.Hash]common.Hash
	calls   []proofCall
	fast    int
	head    uint64

	failures int           // GetProof calls left to fail
	started  chan struct{} // receives once per GetProof call, if set
	gate     chan struct{} // GetProof blocks until closed, if set
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		code:    map[common.Address]bool{contract: true},
		storage: make(map[common.Address]map[common.Hash]common.Hash),
		head:    100,
	}
}

func (b *fakeBackend) set(target common.Address, slot uint64, value uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.storage[target]
	if m == nil {
		m = make(map[common.Hash]common.Hash)
		b.storage[target] = m
	}
	m[uint256.NewInt(slot).Bytes32()] = uint256.NewInt(value).Bytes32()
}

func (b *fakeBackend) GetProof(ctx context.Context, account common.Address, slots []common.Hash, block *big.Int) (*AccountProof, error) {
	if b.started != nil {
		b.started <- struct{}{}
	}
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, proofCall{account, slots})
	if b.failures > 0 {
		b.failures--
		return nil, errors.New("node unavailable")
	}
	res := &AccountProof{
		Address:      account,
		AccountProof: []hexutil.Bytes{account.Bytes()},
		Balance:      (*hexutil.Big)(new(big.Int)),
		CodeHash:     types.EmptyCodeHash,
	}
	if b.code[account] {
		res.CodeHash = common.Hash{1}
	}
	for _, s := range slots {
		v := b.storage[account][s]
		res.StorageProof = append(res.StorageProof, StorageProof{
			Key:   s.Hex(),
			Value: (*hexutil.Big)(new(big.Int).SetBytes(v[:])),
			Proof: []hexutil.Bytes{account.Bytes(), s.Bytes()},
		})
	}
	return res, nil
}

func (b *fakeBackend) StorageAt(ctx context.Context, account common.Address, slot common.Hash, block *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fast++
	v := b.storage[account][slot]
	return v[:], nil
}

func (b *fakeBackend) CodeAt(ctx context.Context, account common.Address, block *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fast++
	if b.code[account] {
		return []byte{0x60}, nil
	}
	return nil, nil
}

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

func (b *fakeBackend) proofCalls() []proofCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]proofCall(nil), b.calls...)
}

func (b *fakeBackend) fastCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fast
}

func newTestProver(t *testing.T, b Backend, mutate ...func(*Config)) *Prover {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := NewProver(b, big.NewInt(1), cfg)
	require.NoError(t, err)
	return p
}

func slots(xs ...uint64) []uint256.Int {
	out := make([]uint256.Int, len(xs))
	for i, x := range xs {
		out[i].SetUint64(x)
	}
	return out
}

func key(x uint64) string {
	return common.Hash(uint256.NewInt(x).Bytes32()).Hex()
}

func TestGetProofsSharesOverlappingFetch(t *testing.T) {
	b := newFakeBackend()
	b.set(contract, 0, 10)
	b.set(contract, 1, 11)
	b.started = make(chan struct{}, 4)
	b.gate = make(chan struct{})
	p := newTestProver(t, b)
	ctx := context.Background()

	type result struct {
		res *AccountProof
		err error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)
	go func() {
		res, err := p.GetProofs(ctx, contract, slots(0, 1))
		first <- result{res, err}
	}()
	<-b.started // the first fetch is in flight
	go func() {
		res, err := p.GetProofs(ctx, contract, slots(1, 0))
		second <- result{res, err}
	}()
	time.Sleep(10 * time.Millisecond)
	close(b.gate)

	r1, r2 := <-first, <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	require.Len(t, b.proofCalls(), 1)

	require.Equal(t, []string{key(0), key(1)}, []string{r1.res.StorageProof[0].Key, r1.res.StorageProof[1].Key})
	require.Equal(t, []string{key(1), key(0)}, []string{r2.res.StorageProof[0].Key, r2.res.StorageProof[1].Key})
	require.Equal(t, common.Hash(uint256.NewInt(11).Bytes32()), r2.res.StorageProof[0].Word())
}

func TestGetProofsFetchesOnlyMissing(t *testing.T) {
	b := newFakeBackend()
	p := newTestProver(t, b)
	ctx := context.Background()

	_, err := p.GetProofs(ctx, contract, slots(0))
	require.NoError(t, err)
	_, err = p.GetProofs(ctx, contract, slots(0, 1, 2))
	require.NoError(t, err)
	_, err = p.GetProofs(ctx, contract, slots(2, 1, 0))
	require.NoError(t, err)

	calls := b.proofCalls()
	require.Len(t, calls, 2)
	require.Len(t, calls[0].slots, 1)
	require.Equal(t, []common.Hash{uint256.NewInt(1).Bytes32(), uint256.NewInt(2).Bytes32()}, calls[1].slots)
}

func TestFetchProofsBatches(t *testing.T) {
	b := newFakeBackend()
	p := newTestProver(t, b, func(c *Config) { c.Limits.ProofBatchSize = 2 })

	res, err := p.FetchProofs(context.Background(), contract, slots(0, 1, 2, 3, 4))
	require.NoError(t, err)
	require.Len(t, b.proofCalls(), 3)

	keys := make([]string, len(res.StorageProof))
	for i, s := range res.StorageProof {
		keys[i] = s.Key
	}
	require.Equal(t, []string{key(0), key(1), key(2), key(3), key(4)}, keys)

	// the account alone still takes one call
	_, err = p.FetchProofs(context.Background(), contract, nil)
	require.NoError(t, err)
	require.Len(t, b.proofCalls(), 4)
}

func TestFailedProofIsNotCached(t *testing.T) {
	b := newFakeBackend()
	b.failures = 1
	p := newTestProver(t, b)
	ctx := context.Background()

	_, err := p.GetProofs(ctx, contract, slots(0))
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return p.accounts.Len() == 0 && p.storage.Len() == 0
	}, time.Second, time.Millisecond)

	_, err = p.GetProofs(ctx, contract, slots(0))
	require.NoError(t, err)
	require.Len(t, b.proofCalls(), 2)
}

func TestProofRetry(t *testing.T) {
	b := newFakeBackend()
	b.failures = 1
	p := newTestProver(t, b, func(c *Config) { c.ProofRetryCount = 1 })

	_, err := p.GetProofs(context.Background(), contract, slots(0))
	require.NoError(t, err)
	require.Len(t, b.proofCalls(), 2)
}

func TestProofRetryExhausted(t *testing.T) {
	b := newFakeBackend()
	b.failures = 5
	p := newTestProver(t, b, func(c *Config) { c.ProofRetryCount = 2 })

	_, err := p.FetchProofs(context.Background(), contract, slots(0))
	require.ErrorContains(t, err, "node unavailable")
	require.Len(t, b.proofCalls(), 3)

	// no retries
	b = newFakeBackend()
	b.failures = 1
	p = newTestProver(t, b)
	_, err = p.FetchProofs(context.Background(), contract, slots(0))
	require.Error(t, err)
	require.Len(t, b.proofCalls(), 1)
}

func TestGetStorage(t *testing.T) {
	b := newFakeBackend()
	b.set(contract, 3, 33)
	ctx := context.Background()

	// fast calls, nothing cached after the call settles
	p := newTestProver(t, b)
	v, err := p.GetStorage(ctx, contract, uint256.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, common.Hash(uint256.NewInt(33).Bytes32()), v)
	require.Equal(t, 1, b.fastCalls())
	require.Empty(t, b.proofCalls())

	// a cached proof wins over a fast call
	_, err = p.GetProofs(ctx, contract, slots(3))
	require.NoError(t, err)
	v, err = p.GetStorage(ctx, contract, uint256.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, common.Hash(uint256.NewInt(33).Bytes32()), v)
	require.Equal(t, 1, b.fastCalls())

	// without fast calls the value comes from a proof
	b2 := newFakeBackend()
	b2.set(contract, 3, 33)
	p2 := newTestProver(t, b2, func(c *Config) { c.UseFastCalls = false })
	v, err = p2.GetStorage(ctx, contract, uint256.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, common.Hash(uint256.NewInt(33).Bytes32()), v)
	require.Zero(t, b2.fastCalls())
	require.Len(t, b2.proofCalls(), 1)
}

func TestGetStorageKnownNonContract(t *testing.T) {
	b := newFakeBackend()
	b.set(eoa, 0, 1) // unreachable without code
	p := newTestProver(t, b)
	ctx := context.Background()

	_, err := p.GetProofs(ctx, eoa, nil)
	require.NoError(t, err)
	require.True(t, p.KnownNonContract(eoa))
	require.False(t, p.KnownNonContract(contract))

	v, err := p.GetStorage(ctx, eoa, uint256.NewInt(0))
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, v)
	require.Zero(t, b.fastCalls())
}

func TestIsContract(t *testing.T) {
	b := newFakeBackend()
	ctx := context.Background()

	p := newTestProver(t, b)
	ok, err := p.IsContract(ctx, contract)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = p.IsContract(ctx, eoa)
	require.NoError(t, err)
	require.False(t, ok)

	p = newTestProver(t, b, func(c *Config) { c.UseFastCalls = false })
	ok, err = p.IsContract(ctx, contract)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, b.proofCalls(), 1)
}

func TestProveRequest(t *testing.T) {
	b := newFakeBackend()
	b.set(contract, 0, 5)
	p := newTestProver(t, b)
	ctx := context.Background()

	req := vm.NewRequest(0)
	req.SetTarget(contract).Read(1)
	req.AddOutput()
	req.SetTarget(eoa).Read(1)
	req.AddOutput()
	req.SetTarget(contract).Read(1)
	req.AddOutput()

	state, err := vm.EvalRequest(ctx, p, req)
	require.NoError(t, err)
	require.Equal(t, common.Hash(uint256.NewInt(5).Bytes32()), common.Hash(state.Outputs[0]))

	seq, err := p.Prove(ctx, state.Needs)
	require.NoError(t, err)
	// contract, contract:0, eoa, eoa:0
	require.Len(t, seq.Proofs, 4)
	require.Equal(t, []byte{0, 1, 2, 3, 0, 1}, seq.Order)

	account, err := EncodeProof([]hexutil.Bytes{contract.Bytes()})
	require.NoError(t, err)
	require.Equal(t, account, seq.Proofs[0])
	slot0 := common.Hash{}
	storage, err := EncodeProof([]hexutil.Bytes{contract.Bytes(), slot0.Bytes()})
	require.NoError(t, err)
	require.Equal(t, storage, seq.Proofs[1])
	require.Empty(t, seq.Proofs[3], "slots of a non-contract are not proven")
}

func TestStorageMap(t *testing.T) {
	b := newFakeBackend()
	p := newTestProver(t, b)
	ctx := context.Background()

	_, err := p.GetProofs(ctx, contract, slots(5, 2))
	require.NoError(t, err)
	_, err = p.GetProofs(ctx, eoa, nil)
	require.NoError(t, err)

	m := p.StorageMap()
	require.Equal(t, slots(2, 5), m[contract])
	require.Contains(t, m, eoa)
	require.Empty(t, m[eoa])
}

func TestLatestProver(t *testing.T) {
	p, err := LatestProver(context.Background(), newFakeBackend(), DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), p.Block())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ProofCacheSize = -1
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Limits.MaxUniqueProofs = 0
	_, err := NewProver(newFakeBackend(), nil, cfg)
	require.Error(t, err)
}
