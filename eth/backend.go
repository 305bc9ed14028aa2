package eth

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Backend is the subset of the Ethereum JSON-RPC API the prover uses. A nil
// block selects the latest block.
type Backend interface {
	GetProof(ctx context.Context, account common.Address, slots []common.Hash, block *big.Int) (*AccountProof, error)
	StorageAt(ctx context.Context, account common.Address, slot common.Hash, block *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, block *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// RPCBackend implements Backend over a go-ethereum RPC client.
type RPCBackend struct {
	*ethclient.Client
	rpc *rpc.Client
}

var _ Backend = (*RPCBackend)(nil)

// NewRPCBackend wraps c.
func NewRPCBackend(c *rpc.Client) *RPCBackend {
	return &RPCBackend{Client: ethclient.NewClient(c), rpc: c}
}

// Dial connects to an HTTP or WebSocket endpoint.
func Dial(ctx context.Context, url string) (*RPCBackend, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewRPCBackend(c), nil
}

// GetProof calls eth_getProof.
func (b *RPCBackend) GetProof(ctx context.Context, account common.Address, slots []common.Hash, block *big.Int) (*AccountProof, error) {
	keys := make([]string, len(slots))
	for i, s := range slots {
		keys[i] = s.Hex()
	}
	if slots == nil {
		keys = []string{}
	}
	var res AccountProof
	if err := b.rpc.CallContext(ctx, &res, "eth_getProof", account, keys, blockArg(block)); err != nil {
		return nil, err
	}
	return &res, nil
}

// Close closes the underlying connection.
func (b *RPCBackend) Close() { b.rpc.Close() }

func blockArg(n *big.Int) string {
	if n == nil {
		return "latest"
	}
	return hexutil.EncodeBig(n)
}
