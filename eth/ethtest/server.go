// Package ethtest serves a small in-memory chain over JSON-RPC for tests.
package ethtest

import (
	"math/big"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/TateB/evmgateway-v2/crypto"
	"github.com/TateB/evmgateway-v2/eth"
)

// Node answers eth_blockNumber, eth_getCode, eth_getStorageAt and
// eth_getProof from maps. Every block sees the same state. Proof nodes are
// the address, then the slot key, so callers can tell them apart.
type Node struct {
	mu      sync.Mutex
	head    uint64
	code    map[common.Address][]byte
	storage map[common.Address]map[common.Hash]common.Hash

	ProofCalls atomic.Int64
	LastBlock  atomic.Value // string block argument of the last call
}

// NewNode returns an empty chain at block head.
func NewNode(head uint64) *Node {
	return &Node{
		head:    head,
		code:    make(map[common.Address][]byte),
		storage: make(map[common.Address]map[common.Hash]common.Hash),
	}
}

// SetCode deploys code at addr.
func (n *Node) SetCode(addr common.Address, code []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.code[addr] = code
}

// SetStorage writes a slot.
func (n *Node) SetStorage(addr common.Address, slot, value common.Hash) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m := n.storage[addr]
	if m == nil {
		m = make(map[common.Hash]common.Hash)
		n.storage[addr] = m
	}
	m[slot] = value
}

// Start serves n over HTTP. The caller closes the returned server.
func (n *Node) Start() (*httptest.Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName("eth", &api{n}); err != nil {
		return nil, err
	}
	return httptest.NewServer(srv), nil
}

type api struct{ n *Node }

func (a *api) BlockNumber() hexutil.Uint64 {
	a.n.mu.Lock()
	defer a.n.mu.Unlock()
	return hexutil.Uint64(a.n.head)
}

func (a *api) GetCode(addr common.Address, block string) hexutil.Bytes {
	a.n.LastBlock.Store(block)
	a.n.mu.Lock()
	defer a.n.mu.Unlock()
	return a.n.code[addr]
}

func (a *api) GetStorageAt(addr common.Address, slot common.Hash, block string) hexutil.Bytes {
	a.n.LastBlock.Store(block)
	a.n.mu.Lock()
	defer a.n.mu.Unlock()
	v := a.n.storage[addr][slot]
	return v[:]
}

func (a *api) GetProof(addr common.Address, keys []string, block string) (*eth.AccountProof, error) {
	a.n.ProofCalls.Add(1)
	a.n.LastBlock.Store(block)
	a.n.mu.Lock()
	defer a.n.mu.Unlock()
	res := &eth.AccountProof{
		Address:      addr,
		AccountProof: []hexutil.Bytes{addr.Bytes()},
		Balance:      (*hexutil.Big)(new(big.Int)),
		CodeHash:     types.EmptyCodeHash,
		StorageProof: []eth.StorageProof{},
	}
	if code := a.n.code[addr]; len(code) > 0 {
		res.CodeHash = crypto.Keccak256Hash(code)
	}
	for _, k := range keys {
		slot := common.HexToHash(k)
		v := a.n.storage[addr][slot]
		res.StorageProof = append(res.StorageProof, eth.StorageProof{
			Key:   k,
			Value: (*hexutil.Big)(new(big.Int).SetBytes(v[:])),
			Proof: []hexutil.Bytes{addr.Bytes(), slot.Bytes()},
		})
	}
	return res, nil
}
