package eth

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// AccountProof is the eth_getProof (EIP-1186) response.
type AccountProof struct {
	Address      common.Address  `json:"address"`
	AccountProof []hexutil.Bytes `json:"accountProof"`
	Balance      *hexutil.Big    `json:"balance"`
	CodeHash     common.Hash     `json:"codeHash"`
	Nonce        hexutil.Uint64  `json:"nonce"`
	StorageHash  common.Hash     `json:"storageHash"`
	StorageProof []StorageProof  `json:"storageProof"`
}

// StorageProof is one slot of an eth_getProof response.
type StorageProof struct {
	Key   string          `json:"key"`
	Value *hexutil.Big    `json:"value"`
	Proof []hexutil.Bytes `json:"proof"`
}

// IsContract reports whether the proven account has code. A missing
// account reports a zero code hash.
func (p *AccountProof) IsContract() bool {
	return p.CodeHash != (common.Hash{}) && p.CodeHash != types.EmptyCodeHash
}

// withoutStorage returns a copy sharing everything but the storage proofs.
func (p *AccountProof) withoutStorage() *AccountProof {
	cp := *p
	cp.StorageProof = nil
	return &cp
}

// Word returns the slot value as a 32-byte word.
func (s *StorageProof) Word() common.Hash {
	if s.Value == nil {
		return common.Hash{}
	}
	var x uint256.Int
	if x.SetFromBig(s.Value.ToInt()) {
		return common.Hash{} // overflow, not produced by a sane node
	}
	return x.Bytes32()
}

var proofArgs = abi.Arguments{{Type: mustType("bytes[]")}}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// EncodeProof ABI-encodes the trie nodes of one proof as bytes[].
func EncodeProof(nodes []hexutil.Bytes) ([]byte, error) {
	v := make([][]byte, len(nodes))
	for i, n := range nodes {
		v[i] = n
	}
	return proofArgs.Pack(v)
}
