// Package config holds the signup sequencer's process-wide configuration:
// a flat, zero-value-friendly struct populated from CLI flags by
// cmd/sequencer, validated before any subsystem is constructed.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/worldcoin/signup-sequencer/pipeline"
)

// Config holds every option the sequencer process recognizes. Ethereum
// mode fields (RPCURL, ContractAddress, Submitter*) are only required
// when Mode is "onchain"; they are ignored in "offchain" mode.
type Config struct {
	DatabaseURL string

	Mode                    string // "onchain" or "offchain"
	RPCURL                  string
	SecondaryRPCURLs        []string
	ContractAddress         string
	SubmitterKind           string // "defender" or "txsitter"
	SubmitterBaseURL        string
	SubmitterAPIKey         string
	ScanningWindowSize      uint64
	ScanningChainHeadOffset uint64

	RootHistoryExpiry time.Duration
	MaxEpochDuration  time.Duration

	ProverURLs       []string
	ProverBatchSizes []int

	TreeDepth        int
	DensePrefixDepth int
	FlattenThreshold uint64
	CachePath        string
	ForceCachePurge  bool

	MinBatchDeletionSize  int
	BatchDeletionTimeout  time.Duration
	BatchInsertionTimeout time.Duration

	ServerAddress string

	LogLevel       string
	MetricsAddress string
}

// DefaultConfig returns a Config with the same defaults pipeline.DefaultConfig
// uses for the fields it shares, plus sensible values for everything else.
func DefaultConfig() Config {
	pc := pipeline.DefaultConfig()
	return Config{
		Mode: "offchain",

		RootHistoryExpiry: time.Hour,
		MaxEpochDuration:  30 * time.Minute,

		TreeDepth:        pc.TreeDepth,
		DensePrefixDepth: pc.DensePrefixDepth,
		FlattenThreshold: pc.FlattenThreshold,

		MinBatchDeletionSize:  pc.MinBatchDeletionSize,
		BatchDeletionTimeout:  pc.BatchDeletionTimeout,
		BatchInsertionTimeout: pc.BatchInsertionTimeout,

		ServerAddress:  "0.0.0.0:8080",
		LogLevel:       "info",
		MetricsAddress: "0.0.0.0:9090",
	}
}

// Validate checks configuration values for correctness, mirroring the
// teacher's Config.Validate: a flat series of field checks returning the
// first failure.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("config: database_url must not be empty")
	}
	switch c.Mode {
	case "onchain", "offchain":
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.Mode == "onchain" {
		if c.RPCURL == "" {
			return errors.New("config: rpc_url must not be empty in onchain mode")
		}
		if c.ContractAddress == "" {
			return errors.New("config: contract_address must not be empty in onchain mode")
		}
		switch c.SubmitterKind {
		case "defender", "txsitter":
		default:
			return fmt.Errorf("config: unknown submitter kind %q", c.SubmitterKind)
		}
	}
	if c.TreeDepth <= 0 || c.TreeDepth > 32 {
		return fmt.Errorf("config: invalid tree_depth: %d", c.TreeDepth)
	}
	if c.DensePrefixDepth < 0 || c.DensePrefixDepth > c.TreeDepth {
		return fmt.Errorf("config: invalid dense_prefix_depth: %d", c.DensePrefixDepth)
	}
	if len(c.ProverURLs) != len(c.ProverBatchSizes) {
		return errors.New("config: prover_urls and prover_batch_sizes must have the same length")
	}
	for _, size := range c.ProverBatchSizes {
		if size <= 0 {
			return fmt.Errorf("config: invalid prover batch size: %d", size)
		}
	}
	if c.MinBatchDeletionSize < 0 {
		return fmt.Errorf("config: invalid min_batch_deletion_size: %d", c.MinBatchDeletionSize)
	}
	return nil
}

// ToPipelineConfig projects the fields pipeline.Config needs out of c.
func (c *Config) ToPipelineConfig() pipeline.Config {
	return pipeline.Config{
		TreeDepth:        c.TreeDepth,
		DensePrefixDepth: c.DensePrefixDepth,
		FlattenThreshold: c.FlattenThreshold,
		CachePath:        c.CachePath,
		ForceCachePurge:  c.ForceCachePurge,

		MinBatchDeletionSize:  c.MinBatchDeletionSize,
		BatchDeletionTimeout:  c.BatchDeletionTimeout,
		BatchInsertionTimeout: c.BatchInsertionTimeout,
	}
}
