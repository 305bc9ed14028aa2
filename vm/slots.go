package vm

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/TateB/evmgateway-v2/crypto"
)

// FollowSlot derives the storage slot of key in the mapping at slot:
// keccak256(key ++ uint256(slot)).
func FollowSlot(slot *uint256.Int, key []byte) uint256.Int {
	b := slot.Bytes32()
	var out uint256.Int
	out.SetBytes(crypto.Keccak256(key, b[:]))
	return out
}

// ArraySlots returns the n data slots of the dynamic value stored at slot,
// starting at keccak256(uint256(slot)).
func ArraySlots(slot *uint256.Int, n int) []uint256.Int {
	if n == 0 {
		return nil
	}
	b := slot.Bytes32()
	var base uint256.Int
	base.SetBytes(crypto.Keccak256(b[:]))
	return slotRange(&base, n)
}

func slotRange(start *uint256.Int, n int) []uint256.Int {
	out := make([]uint256.Int, n)
	for i := range out {
		out[i].AddUint64(start, uint64(i))
	}
	return out
}

// addressFromBytes interprets v the way the verifier does:
// address(uint160(uint256(v))) for words, left padding for shorter values.
func addressFromBytes(v []byte) common.Address {
	if len(v) >= 32 {
		return common.BytesToAddress(v[12:32])
	}
	return common.BytesToAddress(v)
}
