// Command signup-sequencer runs the sign-up sequencer: it sequences BN254
// identity commitments into a versioned Poseidon Merkle tree, batches them
// for proving, and submits them on-chain (or, in offchain mode, simulates
// that chain for local development and tests).
//
// Usage:
//
//	signup-sequencer [flags]
//
// Flags:
//
//	--database-url   PostgreSQL connection string (required)
//	--mode           onchain, offchain (default: offchain)
//	--server-address HTTP API listen address (default: 0.0.0.0:8080)
//	--metrics-address Prometheus metrics listen address (default: 0.0.0.0:9090)
//
// Run with --help for the full flag list.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/worldcoin/signup-sequencer/api"
	"github.com/worldcoin/signup-sequencer/chain"
	"github.com/worldcoin/signup-sequencer/config"
	"github.com/worldcoin/signup-sequencer/log"
	"github.com/worldcoin/signup-sequencer/metrics"
	"github.com/worldcoin/signup-sequencer/pipeline"
	"github.com/worldcoin/signup-sequencer/prover"
	"github.com/worldcoin/signup-sequencer/sequencererr"
	"github.com/worldcoin/signup-sequencer/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. It accepts CLI
// arguments (without the program name) so it can be tested in isolation,
// matching the teacher's cmd/eth2030 shape.
func run(args []string) int {
	cfg, err := config.ParseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	logger := log.New(parseLevel(cfg.LogLevel))
	log.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runServer(ctx, cancel, cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func runServer(ctx context.Context, cancel context.CancelFunc, cfg config.Config, logger *log.Logger) error {
	st, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return sequencererr.Infrastructure(err, "connect to database")
	}

	processor, err := newProcessor(ctx, cfg, logger)
	if err != nil {
		return err
	}

	provers, err := newProverRegistry(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	sequencerMetrics := metrics.NewSequencerMetrics(reg)

	pl, err := pipeline.New(ctx, cfg.ToPipelineConfig(), st, processor, provers, logger.Module("pipeline"), sequencerMetrics)
	if err != nil {
		return sequencererr.Infrastructure(err, "initialize pipeline")
	}

	apiServer := api.New(st, pl.State(), provers, logger.Module("api"), cfg.ServerAddress)
	metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: metrics.Handler(reg)}

	pipelineDone := make(chan struct{})
	go func() {
		pl.Run(ctx)
		close(pipelineDone)
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- apiServer.ListenAndServe() }()
	go func() { errCh <- metricsServer.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-pl.Supervisor().Dead():
		logger.Error("pipeline task exhausted its restart budget, shutting down", "error", pl.Supervisor().DeadErr())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error, shutting down", "error", err)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	select {
	case <-pipelineDone:
	case <-shutdownCtx.Done():
		logger.Warn("pipeline tasks did not stop within the shutdown timeout")
	}
	return nil
}

func newProcessor(ctx context.Context, cfg config.Config, logger *log.Logger) (chain.IdentityProcessor, error) {
	if cfg.Mode == "offchain" {
		return chain.NewOffChainProcessor(cfg.RootHistoryExpiry, cfg.MaxEpochDuration), nil
	}

	var submitter chain.Submitter
	switch cfg.SubmitterKind {
	case "defender":
		submitter = chain.NewDefenderSubmitter(cfg.SubmitterBaseURL, cfg.SubmitterAPIKey)
	case "txsitter":
		var n int
		submitter = chain.NewTxSitterSubmitter(cfg.SubmitterBaseURL, cfg.SubmitterAPIKey, func() string {
			n++
			return fmt.Sprintf("signup-sequencer-%d", n)
		})
	default:
		return nil, sequencererr.New(sequencererr.KindValidation, "unknown submitter kind %q", cfg.SubmitterKind)
	}

	processor, err := chain.NewOnChainProcessor(ctx, chain.OnChainConfig{
		RPCURL:                  cfg.RPCURL,
		SecondaryRPCURLs:        cfg.SecondaryRPCURLs,
		ContractAddress:         gethcommon.HexToAddress(cfg.ContractAddress),
		Submitter:               submitter,
		RootHistoryExpiry:       cfg.RootHistoryExpiry,
		MaxEpochDuration:        cfg.MaxEpochDuration,
		ScanningWindowSize:      cfg.ScanningWindowSize,
		ScanningChainHeadOffset: cfg.ScanningChainHeadOffset,
	})
	if err != nil {
		return nil, sequencererr.Infrastructure(err, "initialize on-chain processor")
	}
	return processor, nil
}

func newProverRegistry(cfg config.Config) (*prover.Registry, error) {
	registry := prover.NewRegistry()
	for i, url := range cfg.ProverURLs {
		registry.Register(prover.NewHTTPProver(url, cfg.ProverBatchSizes[i]))
	}
	if len(registry.Sizes()) == 0 {
		return nil, sequencererr.New(sequencererr.KindValidation, "no provers configured")
	}
	return registry, nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
