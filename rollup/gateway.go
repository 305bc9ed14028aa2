package rollup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/TateB/evmgateway-v2/cached"
	"github.com/TateB/evmgateway-v2/crypto"
	"github.com/TateB/evmgateway-v2/log"
	"github.com/TateB/evmgateway-v2/metrics"
	"github.com/TateB/evmgateway-v2/vm"
)

var (
	logger = log.Module("gateway")

	proveRequests = metrics.NewCounterVec("gateway", "prove_requests_total",
		"Proof requests by outcome (hit, miss, error).", "result")
	proveSeconds = metrics.NewHistogram("gateway", "prove_seconds",
		"Time to evaluate and prove an uncached request.", nil)
	latestIndex = metrics.NewGauge("gateway", "latest_commit_index",
		"Index of the newest commit served.")
)

// ErrInvalidContext is returned when a request context does not start with
// a 32-byte commit index.
var ErrInvalidContext = errors.New("rollup: invalid request context")

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// CommitDepth is how many commits, latest included, are served.
	CommitDepth int `toml:"commit_depth"`

	// AllowHistorical serves older commits without caching them.
	AllowHistorical bool `toml:"allow_historical"`

	// LatestCacheMs is how long the latest commit index is trusted.
	LatestCacheMs int64 `toml:"latest_cache_ms"`

	// CallCacheSize bounds the memoized responses.
	CallCacheSize int `toml:"call_cache_size"`
}

// DefaultGatewayConfig returns the gateway defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		CommitDepth:   2,
		LatestCacheMs: 60_000,
		CallCacheSize: 1000,
	}
}

// Validate checks the configuration.
func (c GatewayConfig) Validate() error {
	if c.CommitDepth < 1 {
		return fmt.Errorf("gateway: commit depth must be positive: %d", c.CommitDepth)
	}
	if c.LatestCacheMs < 0 {
		return errors.New("gateway: latest cache must not be negative")
	}
	if c.CallCacheSize < 0 {
		return errors.New("gateway: call cache size must not be negative")
	}
	return nil
}

// Gateway answers proof requests against the recent commits of a chain.
// The latest index is cached briefly; commits and parent links are kept
// until they fall out of the commit window. Responses are memoized per
// (commit, program).
type Gateway struct {
	chain *Chain
	cfg   GatewayConfig

	latest  *cached.CachedValue[uint64]
	commits *cached.CachedMap[uint64, Commit]
	parents *cached.CachedMap[uint64, uint64]
	calls   *cached.LRU[common.Hash, []byte]

	mu   sync.Mutex
	head uint64 // last latest index seen, guarded by mu
	seen bool
}

// NewGateway returns a gateway over chain.
func NewGateway(chain *Chain, cfg GatewayConfig) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	calls, err := cached.NewLRU[common.Hash, []byte](cfg.CallCacheSize)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		chain: chain,
		cfg:   cfg,
		latest: cached.NewCachedValue(chain.FetchLatestCommitIndex,
			cached.WithName("gateway_latest"),
			cached.WithTTL(time.Duration(cfg.LatestCacheMs)*time.Millisecond)),
		commits: cached.NewCachedMap[uint64, Commit](cached.WithName("gateway_commits")),
		parents: cached.NewCachedMap[uint64, uint64](cached.WithName("gateway_parents")),
		calls:   calls,
	}, nil
}

// Chain returns the wrapped chain.
func (g *Gateway) Chain() *Chain { return g.chain }

func (g *Gateway) commit(ctx context.Context, index uint64) (Commit, error) {
	return g.commits.GetTTL(ctx, index, g.chain.Commit, cached.Forever)
}

func (g *Gateway) parentIndex(ctx context.Context, c Commit) (uint64, error) {
	return g.parents.GetTTL(ctx, c.Index(), func(ctx context.Context, _ uint64) (uint64, error) {
		return g.chain.ParentCommitIndex(ctx, c)
	}, cached.Forever)
}

// LatestCommit returns the newest commit. When the latest index moves,
// commits outside the window are dropped.
func (g *Gateway) LatestCommit(ctx context.Context) (Commit, error) {
	index, err := g.latest.Get(ctx)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	if !g.seen || index != g.head {
		logger.Info("latest commit", "index", index, "prev", g.head)
		g.head, g.seen = index, true
		latestIndex.Set(float64(index))
		g.purgeLocked()
	}
	g.mu.Unlock()
	return g.commit(ctx, index)
}

// purgeLocked keeps the newest CommitDepth+1 commits. The extra one is the
// previous latest, still being served to in-flight requests.
func (g *Gateway) purgeLocked() {
	keep := g.cfg.CommitDepth + 1
	if g.commits.CachedSize() <= keep {
		return
	}
	keys := g.commits.Keys()
	slices.Sort(keys)
	for _, k := range keys[:max(len(keys)-keep, 0)] {
		g.commits.Delete(k)
		g.parents.Delete(k)
	}
}

// CommitIndices returns the indices of the cached commits in ascending
// order.
func (g *Gateway) CommitIndices() []uint64 {
	keys := g.commits.Keys()
	slices.Sort(keys)
	return keys
}

// RecentCommit returns the newest of the latest CommitDepth commits whose
// index is at most index, so an index ahead of the latest commit gets the
// latest. Older indices are fetched uncached when historical access is
// allowed, and are otherwise ErrTooOld.
func (g *Gateway) RecentCommit(ctx context.Context, index uint64) (Commit, error) {
	c, err := g.LatestCommit(ctx)
	if err != nil {
		return nil, err
	}
	for depth := 0; ; {
		if index >= c.Index() {
			return c, nil
		}
		if depth++; depth >= g.cfg.CommitDepth {
			break
		}
		parent, err := g.parentIndex(ctx, c)
		if errors.Is(err, ErrNoParentCommit) {
			break
		}
		if err != nil {
			return nil, err
		}
		if c, err = g.commit(ctx, parent); err != nil {
			return nil, err
		}
	}
	if g.cfg.AllowHistorical {
		return g.commits.GetTTL(ctx, index, g.chain.Commit, 0)
	}
	return nil, fmt.Errorf("%w: %d", ErrTooOld, index)
}

var callKeyArgs = abi.Arguments{
	{Type: mustType("uint256")},
	{Type: mustType("bytes")},
	{Type: mustType("bytes[]")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// CommitIndex reads the commit index from the first word of a request
// context.
func CommitIndex(reqContext []byte) (uint64, error) {
	if len(reqContext) < 32 {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidContext, len(reqContext))
	}
	var x uint256.Int
	x.SetBytes32(reqContext[:32])
	if !x.IsUint64() {
		return 0, fmt.Errorf("%w: index overflow", ErrInvalidContext)
	}
	return x.Uint64(), nil
}

// ProveRequest evaluates an encoded program against the commit selected by
// reqContext and returns the encoded witness. Identical programs against
// the same commit share one evaluation; failures are not memoized.
func (g *Gateway) ProveRequest(ctx context.Context, reqContext, ops []byte, inputs [][]byte) ([]byte, error) {
	index, err := CommitIndex(reqContext)
	if err != nil {
		return nil, err
	}
	witness, hit, err := g.proveCached(ctx, index, ops, inputs)
	if err != nil {
		proveRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	if hit {
		proveRequests.WithLabelValues("hit").Inc()
	}
	return witness, nil
}

func (g *Gateway) proveCached(ctx context.Context, index uint64, ops []byte, inputs [][]byte) ([]byte, bool, error) {
	commit, err := g.RecentCommit(ctx, index)
	if err != nil {
		return nil, false, err
	}
	// keyed by the resolved commit, not the requested index
	packed, err := callKeyArgs.Pack(uint256.NewInt(commit.Index()).ToBig(), ops, inputs)
	if err != nil {
		return nil, false, err
	}
	key := crypto.Keccak256Hash(packed)
	return g.calls.CacheHit(ctx, key, func(ctx context.Context, _ common.Hash) ([]byte, error) {
		proveRequests.WithLabelValues("miss").Inc()
		start := time.Now()
		defer func() { proveSeconds.Observe(time.Since(start).Seconds()) }()
		return g.prove(ctx, commit, ops, inputs)
	})
}

func (g *Gateway) prove(ctx context.Context, commit Commit, ops []byte, inputs [][]byte) ([]byte, error) {
	p := commit.Prover()
	state, err := vm.EvalEncoded(ctx, p, ops, inputs)
	if err != nil {
		return nil, err
	}
	proofs, err := p.Prove(ctx, state.Needs)
	if err != nil {
		return nil, err
	}
	logger.Debug("proved request", "commit", commit.Index(), "needs", len(state.Needs),
		"proofs", len(proofs.Proofs), "exit", state.ExitCode)
	return g.chain.EncodeWitness(commit, proofs)
}
