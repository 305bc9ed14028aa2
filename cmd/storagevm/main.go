// Command storagevm evaluates storage programs against an Ethereum node,
// prints the proofs a verifier needs, and watches the commits a gateway
// would serve.
//
// Usage:
//
//	storagevm [global flags] eval [--block N] [--prove] <program hex>
//	storagevm disasm <program hex>
//	storagevm watch [--metrics.addr host:port]
//	storagevm version
//
// Programs are ABI-encoded (bytes ops, bytes[] inputs).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"

	"github.com/TateB/evmgateway-v2/eth"
	"github.com/TateB/evmgateway-v2/log"
	"github.com/TateB/evmgateway-v2/metrics"
	"github.com/TateB/evmgateway-v2/rollup"
	"github.com/TateB/evmgateway-v2/vm"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML configuration file",
		EnvVars: []string{"STORAGEVM_CONFIG"},
	}
	rpcFlag = &cli.StringFlag{
		Name:    "rpc",
		Usage:   "Ethereum JSON-RPC endpoint",
		EnvVars: []string{"STORAGEVM_RPC"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "log level: debug, info, warn, error",
	}
	blockFlag = &cli.Uint64Flag{
		Name:  "block",
		Usage: "block to read (default: latest)",
	}
	proveFlag = &cli.BoolFlag{
		Name:  "prove",
		Usage: "also fetch proofs and print the encoded witness",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "listen address for /metrics, empty to disable",
	}
)

func main() {
	os.Exit(run(os.Args, os.Stdout))
}

// run executes the CLI and returns the exit code. args includes the
// program name.
func run(args []string, stdout io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newApp(stdout).RunContext(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newApp(stdout io.Writer) *cli.App {
	return &cli.App{
		Name:    "storagevm",
		Usage:   "evaluate and prove storage programs",
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
		Writer:  stdout,
		Flags:   []cli.Flag{configFlag, rpcFlag, logLevelFlag},
		Commands: []*cli.Command{
			{
				Name:      "eval",
				Usage:     "evaluate a program and print its outputs",
				ArgsUsage: "<program hex>",
				Flags:     []cli.Flag{blockFlag, proveFlag},
				Action:    evalCommand,
			},
			{
				Name:      "disasm",
				Usage:     "print the instructions of a program",
				ArgsUsage: "<program hex>",
				Action:    disasmCommand,
			},
			{
				Name:   "watch",
				Usage:  "follow the latest commit and serve metrics",
				Flags:  []cli.Flag{metricsAddrFlag},
				Action: watchCommand,
			},
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(c *cli.Context) error {
					_, err := fmt.Fprintf(c.App.Writer, "storagevm %s (commit %s)\n", version, commit)
					return err
				},
			},
		},
	}
}

// loadConfig resolves the configuration file and flag overrides, and
// installs the logger.
func loadConfig(c *cli.Context) (Config, error) {
	cfg := DefaultConfig()
	if path := c.String(configFlag.Name); path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	if c.IsSet(rpcFlag.Name) {
		cfg.RPC = c.String(rpcFlag.Name)
	}
	if c.IsSet(logLevelFlag.Name) {
		cfg.LogLevel = c.String(logLevelFlag.Name)
	}
	if c.IsSet(metricsAddrFlag.Name) {
		cfg.MetricsAddr = c.String(metricsAddrFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	log.SetDefault(log.New(log.LevelFromString(cfg.LogLevel)))
	return cfg, nil
}

func decodeProgram(c *cli.Context) ([]byte, [][]byte, error) {
	if c.NArg() != 1 {
		return nil, nil, errors.New("expected one program argument")
	}
	data, err := hexutil.Decode(strings.TrimSpace(c.Args().First()))
	if err != nil {
		return nil, nil, fmt.Errorf("program: %w", err)
	}
	return vm.DecodeProgram(data)
}

func disasmCommand(c *cli.Context) error {
	ops, inputs, err := decodeProgram(c)
	if err != nil {
		return err
	}
	r := vm.NewReader(ops, inputs)
	outputs, err := r.ReadByte()
	if err != nil {
		return err
	}
	text, err := r.Disassemble()
	fmt.Fprintf(c.App.Writer, "outputs %d\n%s", outputs, text)
	return err
}

func evalCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ops, inputs, err := decodeProgram(c)
	if err != nil {
		return err
	}
	ctx := c.Context
	backend, err := eth.Dial(ctx, cfg.RPC)
	if err != nil {
		return err
	}
	defer backend.Close()

	var p *eth.Prover
	if c.IsSet(blockFlag.Name) {
		p, err = eth.NewProver(backend, new(big.Int).SetUint64(c.Uint64(blockFlag.Name)), cfg.Prover)
	} else {
		p, err = eth.LatestProver(ctx, backend, cfg.Prover)
	}
	if err != nil {
		return err
	}
	state, err := vm.EvalEncoded(ctx, p, ops, inputs)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "block    %v\n", p.Block())
	fmt.Fprintf(w, "exit     %d\n", state.ExitCode)
	for i, out := range state.Outputs {
		fmt.Fprintf(w, "output %d %s\n", i, hexutil.Encode(out))
	}
	fmt.Fprintf(w, "needs    %d (%d targets)\n", len(state.Needs), state.Targets())
	if !c.Bool(proveFlag.Name) {
		return nil
	}

	proofs, err := p.Prove(ctx, state.Needs)
	if err != nil {
		return err
	}
	r := eth.NewRollup(backend, cfg.Prover)
	witness, err := r.EncodeWitness(eth.NewCommit(p.Block().Uint64(), p), proofs)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "proofs   %d\n", len(proofs.Proofs))
	fmt.Fprintf(w, "order    %s\n", hexutil.Encode(proofs.Order))
	fmt.Fprintf(w, "witness  %s\n", hexutil.Encode(witness))
	return nil
}

func watchCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := c.Context
	backend, err := eth.Dial(ctx, cfg.RPC)
	if err != nil {
		return err
	}
	defer backend.Close()

	r := eth.NewRollup(backend, cfg.Prover)
	r.Step = cfg.Step
	g, err := rollup.NewGateway(rollup.NewChain(r), cfg.Gateway)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
		defer srv.Close()
		log.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	log.Info("watching", "rpc", cfg.RPC, "step", cfg.Step, "depth", cfg.Gateway.CommitDepth)
	return watch(ctx, g, cfg.pollInterval(), c.App.Writer)
}

// watch polls the latest commit until ctx is done.
func watch(ctx context.Context, g *rollup.Gateway, every time.Duration, w io.Writer) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var last uint64
	for {
		latest, err := g.LatestCommit(ctx)
		switch {
		case err != nil:
			log.Warn("latest commit", "err", err)
		case latest.Index() != last:
			last = latest.Index()
			fmt.Fprintf(w, "commit %d cached %v\n", last, g.CommitIndices())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
