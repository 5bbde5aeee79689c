package pipeline

import (
	"context"
	"time"

	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/log"
	"github.com/worldcoin/signup-sequencer/merkletree"
	"github.com/worldcoin/signup-sequencer/metrics"
	"github.com/worldcoin/signup-sequencer/prover"
	"github.com/worldcoin/signup-sequencer/sequencererr"
	"github.com/worldcoin/signup-sequencer/store"
)

// CreateBatches groups Batching's pending updates (sourced from Latest's
// diff) into fixed-size batches and advances Batching to each committed
// batch's post root. It waits for the tree_synced watch channel to tick
// at least once after boot before doing any work, matching the spec's
// "also waits for the tree-synced watch channel" precondition.
type CreateBatches struct {
	store    store.Store
	batching *merkletree.TreeVersion
	provers  *prover.Registry
	depth    int
	logger   *log.Logger
	metrics  *metrics.SequencerMetrics

	batchInsertionTimeout time.Duration

	nextBatchNotify *Notifier
	self            *Notifier
	treeSynced      *Watch

	lastBatchTime time.Time
}

func NewCreateBatches(
	st store.Store,
	batching *merkletree.TreeVersion,
	provers *prover.Registry,
	depth int,
	logger *log.Logger,
	m *metrics.SequencerMetrics,
	batchInsertionTimeout time.Duration,
	nextBatchNotify, self *Notifier,
	treeSynced *Watch,
) *CreateBatches {
	return &CreateBatches{
		store:                 st,
		batching:              batching,
		provers:               provers,
		depth:                 depth,
		logger:                logger,
		metrics:               m,
		batchInsertionTimeout: batchInsertionTimeout,
		nextBatchNotify:       nextBatchNotify,
		self:                  self,
		treeSynced:            treeSynced,
		lastBatchTime:         time.Now(),
	}
}

func (c *CreateBatches) Run(ctx context.Context) error {
	if err := c.ensureHeadBatch(ctx); err != nil {
		return err
	}
	if _, ok := c.treeSynced.WaitContext(ctx, 0); !ok {
		return nil
	}

	ticker := time.NewTicker(c.batchInsertionTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.self.C():
		case <-ticker.C:
		}
		if err := c.tick(ctx); err != nil {
			return err
		}
	}
}

// ensureHeadBatch makes the synthetic head row (prev=NULL, next=current
// Batching root) exist on first boot.
func (c *CreateBatches) ensureHeadBatch(ctx context.Context) error {
	if err := c.store.InsertNewBatchHead(ctx, c.batching.GetRoot()); err != nil {
		return sequencererr.Infrastructure(err, "create_batches: insert head batch")
	}
	return nil
}

func (c *CreateBatches) tick(ctx context.Context) error {
	sizes := c.provers.Sizes()
	if len(sizes) == 0 {
		return sequencererr.New(sequencererr.KindInfrastructure, "create_batches: no provers registered")
	}
	maxSize := sizes[len(sizes)-1]

	peek, err := c.batching.PeekNextUpdates(maxSize)
	if err != nil {
		return sequencererr.Infrastructure(err, "create_batches: peek next updates")
	}
	if len(peek) == 0 {
		return nil
	}

	isInsertion := !peek[0].Update.Element.IsZero()
	if !isInsertion {
		return c.commit(ctx, peek, store.BatchDeletion)
	}

	full := len(peek) >= maxSize
	overdue := time.Since(c.lastBatchTime) >= c.batchInsertionTimeout-time.Second

	nextIsDeletion := false
	diffLen, err := c.batching.NextDiffLength()
	if err != nil {
		return sequencererr.Infrastructure(err, "create_batches: next diff length")
	}
	if len(peek) < diffLen {
		nextIsDeletion = true
	}

	if full || overdue || nextIsDeletion {
		return c.commit(ctx, peek, store.BatchInsertion)
	}
	return nil
}

func (c *CreateBatches) commit(ctx context.Context, peek []merkletree.AppliedTreeUpdate, typ store.BatchType) error {
	proverBatchSize, err := c.provers.Select(len(peek))
	if err != nil {
		return sequencererr.Infrastructure(err, "create_batches: select prover")
	}
	batchSize := proverBatchSize.BatchSize()

	prevRoot := c.batching.GetRoot()
	postRoot := peek[len(peek)-1].Update.PostRoot

	n, err := c.batching.ApplyUpdatesUpTo(postRoot)
	if err != nil {
		return sequencererr.Infrastructure(err, "create_batches: apply updates up to")
	}
	if n == 0 {
		c.logger.Warn("create_batches: apply_updates_up_to found no matching root", "root", postRoot.Hex())
		return nil
	}

	identities := make([]field.Element, 0, batchSize)
	indexes := make([]uint64, 0, batchSize)
	nextLeaf := c.batching.NextLeaf()
	for _, u := range peek {
		identities = append(identities, u.Update.Element)
		indexes = append(indexes, u.Update.LeafIndex)
	}
	if typ == store.BatchInsertion {
		for uint64(len(identities)) < uint64(batchSize) {
			indexes = append(indexes, nextLeaf)
			identities = append(identities, field.Zero())
			nextLeaf++
		}
	} else {
		padIndex := uint64(1) << uint(c.depth)
		for len(identities) < batchSize {
			indexes = append(indexes, padIndex)
			identities = append(identities, field.Zero())
		}
	}

	prev := prevRoot
	if err := c.store.InsertNewBatch(ctx, postRoot, &prev, typ, identities, indexes); err != nil {
		return sequencererr.Infrastructure(err, "create_batches: insert new batch")
	}

	if c.metrics != nil {
		c.metrics.BatchSize.WithLabelValues(string(typ)).Observe(float64(len(identities)))
		c.metrics.TreeNextLeaf.WithLabelValues("batching").Set(float64(c.batching.NextLeaf()))
	}
	c.lastBatchTime = time.Now()
	c.nextBatchNotify.Signal()
	c.self.Signal()
	return nil
}
