package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/log"
	"github.com/worldcoin/signup-sequencer/sequencererr"
	"github.com/worldcoin/signup-sequencer/store"
)

// treeChangedTopic is the keccak256 topic hash of the identity manager
// contract's TreeChanged(uint256,uint8,uint256) event. Of the log
// payload, OnChainProcessor decodes only the post root (the second
// 32-byte word); the kind and pre root are not decoded.
var treeChangedTopic = gethcommon.HexToHash("0x9f73dca8851d8dee04338d29be7fdcdb1bb4ef0fa2b39fc95f12f4e6e3e93b11")

// OnChainProcessor is the production IdentityProcessor: it scans the
// main chain for TreeChanged events via an ethclient.Client and checks
// secondary chains' intersection for Mined, delegating actual
// transaction transmission to a Submitter. It is the only file in this
// package that imports go-ethereum.
type OnChainProcessor struct {
	client            *ethclient.Client
	secondaryClients  []*ethclient.Client
	contractAddress   gethcommon.Address
	submitter         Submitter
	rootHistoryExpiry time.Duration
	maxEpochDuration  time.Duration
	logger            *log.Logger

	scanningWindowSize      uint64
	scanningChainHeadOffset uint64
}

// OnChainConfig collects OnChainProcessor's constructor parameters.
type OnChainConfig struct {
	RPCURL                  string
	SecondaryRPCURLs        []string
	ContractAddress         gethcommon.Address
	Submitter               Submitter
	RootHistoryExpiry       time.Duration
	MaxEpochDuration        time.Duration
	ScanningWindowSize      uint64
	ScanningChainHeadOffset uint64
}

// NewOnChainProcessor dials the configured RPC endpoints and returns a
// ready-to-use OnChainProcessor.
func NewOnChainProcessor(ctx context.Context, cfg OnChainConfig) (*OnChainProcessor, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, sequencererr.Infrastructure(err, "dial main chain rpc %s", cfg.RPCURL)
	}
	secondaries := make([]*ethclient.Client, 0, len(cfg.SecondaryRPCURLs))
	for _, url := range cfg.SecondaryRPCURLs {
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, sequencererr.Infrastructure(err, "dial secondary chain rpc %s", url)
		}
		secondaries = append(secondaries, c)
	}
	return &OnChainProcessor{
		client:                  client,
		secondaryClients:        secondaries,
		contractAddress:         cfg.ContractAddress,
		submitter:               cfg.Submitter,
		rootHistoryExpiry:       cfg.RootHistoryExpiry,
		maxEpochDuration:        cfg.MaxEpochDuration,
		logger:                  log.Default().Module("chain.onchain"),
		scanningWindowSize:      cfg.ScanningWindowSize,
		scanningChainHeadOffset: cfg.ScanningChainHeadOffset,
	}, nil
}

var _ IdentityProcessor = (*OnChainProcessor)(nil)

// CommitIdentities submits batch through the configured Submitter.
// Encoding batch against the identity manager contract's ABI is the
// external contract protocol this module does not specify (spec.md
// Non-goals); the calldata here is a placeholder the Submitter forwards
// as-is, matching TypedTx's "opaque to the sequencer" contract.
func (p *OnChainProcessor) CommitIdentities(ctx context.Context, batch store.Batch) (string, error) {
	return p.submitter.SendTransaction(ctx, TypedTx{BatchNextRoot: batch.NextRoot}, true)
}

func (p *OnChainProcessor) FinalizeIdentities(ctx context.Context) (field.Element, field.Element, error) {
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return field.Zero(), field.Zero(), sequencererr.Infrastructure(err, "fetch main chain head")
	}
	from := uint64(0)
	if head > p.scanningChainHeadOffset+p.scanningWindowSize {
		from = head - p.scanningChainHeadOffset - p.scanningWindowSize
	}
	to := head - p.scanningChainHeadOffset

	processedRoot, err := p.scanLatestTreeChanged(ctx, p.client, from, to)
	if err != nil {
		return field.Zero(), field.Zero(), err
	}

	minedRoot, err := p.isRootMinedMultiChain(ctx, processedRoot)
	if err != nil {
		// A bounded-retry failure on a flaky secondary RPC is treated
		// as a transient finalize error, per the open question in
		// spec.md §9: no retry budget is guessed here, the caller's
		// supervisor backoff covers it.
		return processedRoot, field.Zero(), err
	}
	if !minedRoot {
		return processedRoot, field.Zero(), nil
	}
	return processedRoot, processedRoot, nil
}

func (p *OnChainProcessor) scanLatestTreeChanged(ctx context.Context, client *ethclient.Client, from, to uint64) (field.Element, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []gethcommon.Address{p.contractAddress},
		Topics:    [][]gethcommon.Hash{{treeChangedTopic}},
	}
	logs, err := client.FilterLogs(ctx, query)
	if err != nil {
		return field.Zero(), sequencererr.Infrastructure(err, "filter TreeChanged logs")
	}
	if len(logs) == 0 {
		return field.Zero(), nil
	}
	last := logs[len(logs)-1]
	if len(last.Data) < 64 {
		return field.Zero(), sequencererr.New(sequencererr.KindInfrastructure, "TreeChanged log has short data")
	}
	// The event's second word is the post root; decoding the rest of
	// the ABI payload (kind, pre root) is out of scope here.
	var raw [32]byte
	copy(raw[:], last.Data[32:64])
	e, _ := field.FromBytes32(raw)
	return e, nil
}

func (p *OnChainProcessor) isRootMinedMultiChain(ctx context.Context, root field.Element) (bool, error) {
	for _, secondary := range p.secondaryClients {
		head, err := secondary.BlockNumber(ctx)
		if err != nil {
			return false, sequencererr.Infrastructure(err, "fetch secondary chain head")
		}
		from := uint64(0)
		if head > p.scanningWindowSize {
			from = head - p.scanningWindowSize
		}
		seen, err := p.scanLatestTreeChanged(ctx, secondary, from, head)
		if err != nil {
			return false, err
		}
		if !field.Equal(seen, root) {
			return false, nil
		}
	}
	return true, nil
}

func (p *OnChainProcessor) AwaitCleanSlate(ctx context.Context) error {
	for {
		pending, err := p.submitter.FetchPendingTransactions(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return sequencererr.Infrastructure(ctx.Err(), "await_clean_slate: context cancelled")
		case <-time.After(time.Second):
		}
	}
}

func (p *OnChainProcessor) MineTransaction(ctx context.Context, txID string) (bool, error) {
	return p.submitter.MineTransaction(ctx, txID)
}

func (p *OnChainProcessor) TreeInitCorrection(ctx context.Context, genesisRoot field.Element) error {
	latest, ok, err := p.LatestRoot(ctx)
	if err != nil {
		return err
	}
	if !ok {
		p.logger.Warn("no on-chain root observed yet, accepting genesis root as-is")
		return nil
	}
	if !field.Equal(latest, genesisRoot) {
		p.logger.Warn("on-chain root disagrees with reconstructed genesis root", "onchain", latest.Hex(), "genesis", genesisRoot.Hex())
	}
	return nil
}

func (p *OnChainProcessor) LatestRoot(ctx context.Context) (field.Element, bool, error) {
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return field.Zero(), false, sequencererr.Infrastructure(err, "fetch main chain head for latest_root")
	}
	from := uint64(0)
	if head > p.scanningWindowSize {
		from = head - p.scanningWindowSize
	}
	root, err := p.scanLatestTreeChanged(ctx, p.client, from, head)
	if err != nil {
		return field.Zero(), false, err
	}
	return root, !root.IsZero(), nil
}

func (p *OnChainProcessor) RootHistoryExpiry() time.Duration { return p.rootHistoryExpiry }
func (p *OnChainProcessor) MaxEpochDuration() time.Duration  { return p.maxEpochDuration }
