// Package crypto holds the hashing primitives shared by the interpreter and
// the gateway.
package crypto

import (
	"hash"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// keccakPool recycles legacy Keccak-256 states. Storage slot derivation
// hashes on every mapping lookup, so allocation shows up in profiles.
var keccakPool = sync.Pool{
	New: func() any { return sha3.NewLegacyKeccak256() },
}

// Keccak256 calculates the Keccak-256 hash of the concatenated inputs.
func Keccak256(data ...[]byte) []byte {
	d := keccakPool.Get().(hash.Hash)
	d.Reset()
	for _, b := range data {
		d.Write(b)
	}
	out := d.Sum(nil)
	keccakPool.Put(d)
	return out
}

// Keccak256Hash calculates Keccak-256 and returns it as a common.Hash.
func Keccak256Hash(data ...[]byte) common.Hash {
	return common.BytesToHash(Keccak256(data...))
}
