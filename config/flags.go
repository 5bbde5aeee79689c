package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// flagSet wraps flag.FlagSet to add support for uint64 and []string/[]int
// flags Go's standard flag package lacks out of the box.
type flagSet struct {
	*flag.FlagSet
}

// newFlagSet creates a flagSet with ContinueOnError behavior, matching the
// teacher's cmd/eth2030 flag wrapper.
func newFlagSet(name string) *flagSet {
	return &flagSet{FlagSet: flag.NewFlagSet(name, flag.ContinueOnError)}
}

func (fs *flagSet) Uint64Var(p *uint64, name string, value uint64, usage string) {
	fs.FlagSet.Var(&uint64Value{p: p}, name, usage)
	*p = value
}

func (fs *flagSet) StringSliceVar(p *[]string, name string, value []string, usage string) {
	fs.FlagSet.Var(&stringSliceValue{p: p}, name, usage)
	*p = value
}

func (fs *flagSet) IntSliceVar(p *[]int, name string, value []int, usage string) {
	fs.FlagSet.Var(&intSliceValue{p: p}, name, usage)
	*p = value
}

type uint64Value struct{ p *uint64 }

func (v *uint64Value) String() string {
	if v.p == nil {
		return "0"
	}
	return strconv.FormatUint(*v.p, 10)
}

func (v *uint64Value) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid uint64 value %q", s)
	}
	*v.p = n
	return nil
}

// stringSliceValue implements flag.Value for a comma-separated list flag,
// e.g. --prover-urls=http://a,http://b.
type stringSliceValue struct{ p *[]string }

func (v *stringSliceValue) String() string {
	if v.p == nil {
		return ""
	}
	return strings.Join(*v.p, ",")
}

func (v *stringSliceValue) Set(s string) error {
	if s == "" {
		*v.p = nil
		return nil
	}
	*v.p = strings.Split(s, ",")
	return nil
}

// intSliceValue implements flag.Value for a comma-separated list of ints,
// e.g. --prover-batch-sizes=30,100,300.
type intSliceValue struct{ p *[]int }

func (v *intSliceValue) String() string {
	if v.p == nil {
		return ""
	}
	parts := make([]string, len(*v.p))
	for i, n := range *v.p {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func (v *intSliceValue) Set(s string) error {
	if s == "" {
		*v.p = nil
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fmt.Errorf("invalid int in list %q: %w", s, err)
		}
		out[i] = n
	}
	*v.p = out
	return nil
}

// ParseFlags parses args (excluding the program name) into a Config seeded
// with DefaultConfig, binding every recognized option as a CLI flag.
// flag.ErrHelp is returned as-is on --help so the caller can exit cleanly
// without treating it as a validation failure.
func ParseFlags(args []string) (Config, error) {
	cfg := DefaultConfig()
	fs := bindFlags(&cfg)

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func bindFlags(cfg *Config) *flagSet {
	fs := newFlagSet("signup-sequencer")

	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection string")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "identity processor mode (onchain, offchain)")
	fs.StringVar(&cfg.RPCURL, "rpc-url", cfg.RPCURL, "main chain RPC endpoint (onchain mode)")
	fs.StringSliceVar(&cfg.SecondaryRPCURLs, "secondary-rpc-urls", cfg.SecondaryRPCURLs, "comma-separated secondary chain RPC endpoints")
	fs.StringVar(&cfg.ContractAddress, "contract-address", cfg.ContractAddress, "identity manager contract address (onchain mode)")
	fs.StringVar(&cfg.SubmitterKind, "submitter-kind", cfg.SubmitterKind, "transaction submitter backend (defender, txsitter)")
	fs.StringVar(&cfg.SubmitterBaseURL, "submitter-base-url", cfg.SubmitterBaseURL, "submitter backend base URL")
	fs.StringVar(&cfg.SubmitterAPIKey, "submitter-api-key", cfg.SubmitterAPIKey, "submitter backend API key")
	fs.Uint64Var(&cfg.ScanningWindowSize, "scanning-window-size", cfg.ScanningWindowSize, "block range scanned per chain poll")
	fs.Uint64Var(&cfg.ScanningChainHeadOffset, "scanning-chain-head-offset", cfg.ScanningChainHeadOffset, "blocks to stay behind chain head when scanning")

	fs.DurationVar(&cfg.RootHistoryExpiry, "root-history-expiry", cfg.RootHistoryExpiry, "on-chain root history expiry")
	fs.DurationVar(&cfg.MaxEpochDuration, "max-epoch-duration", cfg.MaxEpochDuration, "on-chain max epoch duration")

	fs.StringSliceVar(&cfg.ProverURLs, "prover-urls", cfg.ProverURLs, "comma-separated prover HTTP endpoints, paired by position with prover-batch-sizes")
	fs.IntSliceVar(&cfg.ProverBatchSizes, "prover-batch-sizes", cfg.ProverBatchSizes, "comma-separated batch sizes, paired by position with prover-urls")

	fs.IntVar(&cfg.TreeDepth, "tree-depth", cfg.TreeDepth, "Merkle tree depth")
	fs.IntVar(&cfg.DensePrefixDepth, "dense-prefix-depth", cfg.DensePrefixDepth, "depth of the mmap-backed dense prefix cache")
	fs.Uint64Var(&cfg.FlattenThreshold, "flatten-threshold", cfg.FlattenThreshold, "in-place updates to Mined before a flatten/rebuild cycle")
	fs.StringVar(&cfg.CachePath, "cache-path", cfg.CachePath, "dense prefix cache file path (empty disables the cache)")
	fs.BoolVar(&cfg.ForceCachePurge, "force-cache-purge", cfg.ForceCachePurge, "ignore the dense prefix cache on boot and rebuild from scratch")

	fs.IntVar(&cfg.MinBatchDeletionSize, "min-batch-deletion-size", cfg.MinBatchDeletionSize, "minimum queued deletions before a deletion batch is cut early")
	fs.DurationVar(&cfg.BatchDeletionTimeout, "batch-deletion-timeout", cfg.BatchDeletionTimeout, "maximum age of the oldest queued deletion before a batch is cut regardless of size")
	fs.DurationVar(&cfg.BatchInsertionTimeout, "batch-insertion-timeout", cfg.BatchInsertionTimeout, "maximum time an insertion batch waits to fill before it is cut early")

	fs.StringVar(&cfg.ServerAddress, "server-address", cfg.ServerAddress, "HTTP API listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.MetricsAddress, "metrics-address", cfg.MetricsAddress, "Prometheus metrics listen address")

	return fs
}
