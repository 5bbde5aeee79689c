package pipeline

import (
	"context"
	"time"

	"github.com/worldcoin/signup-sequencer/chain"
	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/log"
	"github.com/worldcoin/signup-sequencer/merkletree"
	"github.com/worldcoin/signup-sequencer/metrics"
	"github.com/worldcoin/signup-sequencer/prover"
	"github.com/worldcoin/signup-sequencer/store"
)

// Config collects every tunable of the pipeline's boot protocol and its
// six background tasks. Zero values are replaced by the defaults below in
// New, mirroring the way the teacher's NodeConfig leaves zero-valued
// fields to DefaultConfig rather than failing closed.
type Config struct {
	TreeDepth        int
	InitialLeaf      field.Element
	DensePrefixDepth int
	FlattenThreshold uint64
	CachePath        string
	ForceCachePurge  bool

	MinBatchDeletionSize  int
	BatchDeletionTimeout  time.Duration
	BatchInsertionTimeout time.Duration

	ModifyTreeInterval         time.Duration
	SyncTreeInterval           time.Duration
	FinalizeIdentitiesInterval time.Duration

	PendingTxChannelSize int
	MaxTaskRestarts      int
}

// DefaultConfig sets 5-second intervals and a conservative
// dense-prefix/flatten configuration suitable for a depth-30 tree.
// ModifyTreeInterval is kept in Config but passed to no task: ModifyTree
// ticks on a fixed 1-second timer and ProcessBatches on a fixed 5-second
// timer.
func DefaultConfig() Config {
	return Config{
		TreeDepth:        30,
		InitialLeaf:      field.Zero(),
		DensePrefixDepth: 20,
		FlattenThreshold: 10_000,

		MinBatchDeletionSize:  100,
		BatchDeletionTimeout:  time.Hour,
		BatchInsertionTimeout: 5 * time.Second,

		ModifyTreeInterval:         5 * time.Second,
		SyncTreeInterval:           5 * time.Second,
		FinalizeIdentitiesInterval: 5 * time.Second,

		PendingTxChannelSize: 100,
		MaxTaskRestarts:      0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TreeDepth == 0 {
		c.TreeDepth = d.TreeDepth
	}
	if c.DensePrefixDepth == 0 {
		c.DensePrefixDepth = d.DensePrefixDepth
	}
	if c.FlattenThreshold == 0 {
		c.FlattenThreshold = d.FlattenThreshold
	}
	if c.MinBatchDeletionSize == 0 {
		c.MinBatchDeletionSize = d.MinBatchDeletionSize
	}
	if c.BatchDeletionTimeout == 0 {
		c.BatchDeletionTimeout = d.BatchDeletionTimeout
	}
	if c.BatchInsertionTimeout == 0 {
		c.BatchInsertionTimeout = d.BatchInsertionTimeout
	}
	if c.ModifyTreeInterval == 0 {
		c.ModifyTreeInterval = d.ModifyTreeInterval
	}
	if c.SyncTreeInterval == 0 {
		c.SyncTreeInterval = d.SyncTreeInterval
	}
	if c.FinalizeIdentitiesInterval == 0 {
		c.FinalizeIdentitiesInterval = d.FinalizeIdentitiesInterval
	}
	if c.PendingTxChannelSize == 0 {
		c.PendingTxChannelSize = d.PendingTxChannelSize
	}
	return c
}

// Pipeline wires the boot protocol and all six background tasks into one
// supervised runtime. Callers construct it once per process and call Run
// in a goroutine they can cancel via ctx.
type Pipeline struct {
	cfg        Config
	store      store.Store
	processor  chain.IdentityProcessor
	provers    *prover.Registry
	logger     *log.Logger
	metrics    *metrics.SequencerMetrics
	supervisor *Supervisor

	state *merkletree.TreeState

	syncTreeNotify  *Notifier
	nextBatchNotify *Notifier
	treeSynced      *Watch
	txIDs           chan string
}

// New runs the boot protocol (TreeInitializer.Init) and sets up the
// shared notifiers and channels; the tasks themselves are constructed
// and started by Run.
func New(
	ctx context.Context,
	cfg Config,
	st store.Store,
	processor chain.IdentityProcessor,
	provers *prover.Registry,
	logger *log.Logger,
	m *metrics.SequencerMetrics,
) (*Pipeline, error) {
	cfg = cfg.withDefaults()

	initializer := NewTreeInitializer(
		st, processor, logger, m,
		cfg.TreeDepth, cfg.InitialLeaf, cfg.DensePrefixDepth, cfg.FlattenThreshold,
		cfg.CachePath, cfg.ForceCachePurge,
	)
	state, err := initializer.Init(ctx)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:             cfg,
		store:           st,
		processor:       processor,
		provers:         provers,
		logger:          logger,
		metrics:         m,
		supervisor:      NewSupervisor(logger, m, cfg.MaxTaskRestarts),
		state:           state,
		syncTreeNotify:  NewNotifier(),
		nextBatchNotify: NewNotifier(),
		treeSynced:      NewWatch(),
		txIDs:           make(chan string, cfg.PendingTxChannelSize),
	}
	return p, nil
}

// State exposes the four chained tree versions for the API layer's
// inclusion-proof and insertion lookups.
func (p *Pipeline) State() *merkletree.TreeState { return p.state }

// Supervisor exposes the Dead channel so the owning process can trigger
// a graceful shutdown when a task exhausts its restart budget.
func (p *Pipeline) Supervisor() *Supervisor { return p.supervisor }

// Run starts every background task under the supervisor and blocks until
// ctx is cancelled, at which point it waits for every task goroutine to
// return.
func (p *Pipeline) Run(ctx context.Context) {
	modifyTree := NewModifyTree(
		p.store, p.state.LatestTree(), p.logger.Module("modify_tree"), p.metrics,
		p.cfg.MinBatchDeletionSize, p.cfg.BatchDeletionTimeout,
		p.syncTreeNotify, NewNotifier(),
	)
	createBatches := NewCreateBatches(
		p.store, p.state.BatchingTree(), p.provers, p.cfg.TreeDepth,
		p.logger.Module("create_batches"), p.metrics, p.cfg.BatchInsertionTimeout,
		p.nextBatchNotify, NewNotifier(), p.treeSynced,
	)
	processBatches := NewProcessBatches(
		p.store, p.state.BatchingTree(), p.processor, p.provers, p.cfg.TreeDepth,
		p.logger.Module("process_batches"), p.txIDs, p.nextBatchNotify,
	)
	monitorTxs := NewMonitorTxs(p.processor, p.logger.Module("monitor_txs"), p.txIDs)
	finalizeIdentities := NewFinalizeIdentities(
		p.store, p.state.ProcessedTree(), p.state.MinedTree(), p.processor, p.cfg.TreeDepth,
		p.logger.Module("finalize_identities"), p.cfg.FinalizeIdentitiesInterval, NewNotifier(),
	)
	syncTreeState := NewSyncTreeStateWithDb(
		p.store, p.state.MinedTree(), p.state.ProcessedTree(), p.state.BatchingTree(), p.state.LatestTree(),
		p.logger.Module("sync_tree_state"), p.cfg.SyncTreeInterval, p.syncTreeNotify, p.treeSynced,
	)

	const defaultBackoff = 5 * time.Second
	tasks := []struct {
		name string
		fn   TaskFunc
	}{
		{"modify_tree", modifyTree.Run},
		{"create_batches", createBatches.Run},
		{"process_batches", processBatches.Run},
		{"monitor_txs", monitorTxs.Run},
		{"finalize_identities", finalizeIdentities.Run},
		{"sync_tree_state", syncTreeState.Run},
	}

	done := make(chan struct{}, len(tasks))
	for _, t := range tasks {
		go func(name string, fn TaskFunc) {
			p.supervisor.Run(ctx, name, defaultBackoff, fn)
			done <- struct{}{}
		}(t.name, t.fn)
	}

	for range tasks {
		<-done
	}
}
