package pipeline

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/worldcoin/signup-sequencer/chain"
	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/log"
	"github.com/worldcoin/signup-sequencer/merkletree"
	"github.com/worldcoin/signup-sequencer/metrics"
	"github.com/worldcoin/signup-sequencer/sequencererr"
	"github.com/worldcoin/signup-sequencer/store"
)

// maxReinitAttempts bounds step 9's "purge and redo with force_cache_purge"
// loop: a mismatch that survives a from-scratch rebuild is not a stale
// cache problem and further retries would only spin.
const maxReinitAttempts = 3

// TreeInitializer runs the boot protocol of §4.4: waits for a clean
// slate, reconciles the database frontier against the on-chain genesis,
// reconstructs the canonical (Mined) tree from durable identity rows (via
// the dense-prefix cache when available), chain-derives Processed,
// Batching and Latest from it, and runs one SyncTreeStateWithDb pass to
// bring the derived versions up to the database frontier.
type TreeInitializer struct {
	store     store.Store
	processor chain.IdentityProcessor
	logger    *log.Logger
	metrics   *metrics.SequencerMetrics

	depth            int
	initialLeaf      field.Element
	densePrefixDepth int
	flattenThreshold uint64
	cachePath        string
	forceCachePurge  bool

	now func() time.Time
}

func NewTreeInitializer(
	st store.Store,
	processor chain.IdentityProcessor,
	logger *log.Logger,
	m *metrics.SequencerMetrics,
	depth int,
	initialLeaf field.Element,
	densePrefixDepth int,
	flattenThreshold uint64,
	cachePath string,
	forceCachePurge bool,
) *TreeInitializer {
	return &TreeInitializer{
		store:            st,
		processor:        processor,
		logger:           logger,
		metrics:          m,
		depth:            depth,
		initialLeaf:      initialLeaf,
		densePrefixDepth: densePrefixDepth,
		flattenThreshold: flattenThreshold,
		cachePath:        cachePath,
		forceCachePurge:  forceCachePurge,
		now:              time.Now,
	}
}

// Init runs the full boot protocol and returns the chained four-version
// TreeState ready to be handed to the pipeline tasks.
func (ti *TreeInitializer) Init(ctx context.Context) (*merkletree.TreeState, error) {
	if err := ti.processor.AwaitCleanSlate(ctx); err != nil {
		return nil, sequencererr.Infrastructure(err, "tree_initializer: await clean slate")
	}

	genesis := merkletree.NewEmptyTree(ti.depth, ti.initialLeaf).Root()

	if err := ti.correctFromChain(ctx, genesis); err != nil {
		return nil, err
	}

	items, expectedRoot, lastSeq, err := ti.fetchMinedFrontier(ctx, genesis)
	if err != nil {
		return nil, err
	}
	nextLeaf := nextLeafAfter(items)

	forcePurge := ti.forceCachePurge
	for attempt := 0; ; attempt++ {
		tree, err := ti.buildTree(items, expectedRoot, forcePurge)
		if err != nil {
			return nil, err
		}

		mined := merkletree.NewCanonicalVersion(tree, nextLeaf, lastSeq, ti.flattenThreshold)
		if ti.metrics != nil {
			mined.SetFlattenCallback(ti.metrics.TreeFlatten.Inc)
		}
		state := merkletree.NewTreeState(mined)

		syncer := NewSyncTreeStateWithDb(ti.store, mined, state.ProcessedTree(), state.BatchingTree(), state.LatestTree(), ti.logger, time.Minute, NewNotifier(), NewWatch())
		if err := syncer.tick(ctx); err != nil {
			return nil, err
		}

		onChainRoot, ok, err := ti.processor.LatestRoot(ctx)
		if err != nil {
			return nil, sequencererr.Infrastructure(err, "tree_initializer: latest_root after sync")
		}
		if !ok || field.Equal(onChainRoot, state.ProcessedTree().GetRoot()) {
			return state, nil
		}
		if attempt+1 >= maxReinitAttempts {
			return nil, sequencererr.New(sequencererr.KindInfrastructure,
				"tree_initializer: processed root still disagrees with contract latest root after %d attempts", attempt+1)
		}
		ti.logger.Warn("processed root disagrees with contract latest root after sync, purging cache and rebuilding",
			"attempt", attempt+1)
		forcePurge = true
	}
}

// correctFromChain implements boot step 3: a fresh contract (on-chain
// root equals the local genesis) resets every row to Pending and drops
// every batch but the head; otherwise the database is corrected forward
// to treat the on-chain root as the Processed frontier.
func (ti *TreeInitializer) correctFromChain(ctx context.Context, genesis field.Element) error {
	if err := ti.processor.TreeInitCorrection(ctx, genesis); err != nil {
		return sequencererr.Infrastructure(err, "tree_initializer: tree_init_correction")
	}

	onChainRoot, ok, err := ti.processor.LatestRoot(ctx)
	if err != nil {
		return sequencererr.Infrastructure(err, "tree_initializer: latest_root")
	}

	if !ok || field.Equal(onChainRoot, genesis) {
		if err := ti.store.MarkAllAsPending(ctx); err != nil {
			return sequencererr.Infrastructure(err, "tree_initializer: mark all as pending")
		}
		if err := ti.store.InsertNewBatchHead(ctx, genesis); err != nil {
			return sequencererr.Infrastructure(err, "tree_initializer: insert batch head")
		}
		if err := ti.store.DeleteBatchesAfterRoot(ctx, genesis); err != nil {
			return sequencererr.Infrastructure(err, "tree_initializer: delete batches after genesis")
		}
		return nil
	}

	if err := ti.store.MarkRootAsProcessed(ctx, onChainRoot, ti.now()); err != nil {
		return sequencererr.Infrastructure(err, "tree_initializer: mark root as processed")
	}
	if err := ti.store.DeleteBatchesAfterRoot(ctx, onChainRoot); err != nil {
		return sequencererr.Infrastructure(err, "tree_initializer: delete batches after on-chain root")
	}
	return nil
}

// fetchMinedFrontier implements boot step 4: every row in status Mined,
// sorted by leaf_index, deduplicated keeping the highest sequence id per
// leaf (last write wins). It also reports the expected Mined root (the
// latest Mined row's post_root, or genesis if none) and the sequence id
// of the Mined frontier.
func (ti *TreeInitializer) fetchMinedFrontier(ctx context.Context, genesis field.Element) ([]store.IdentityRow, field.Element, int64, error) {
	latestMined, err := ti.store.GetLatestTreeUpdateByStatuses(ctx, []store.IdentityStatus{store.StatusMined})
	if err != nil {
		return nil, field.Element{}, 0, sequencererr.Infrastructure(err, "tree_initializer: get latest mined update")
	}
	expectedRoot := genesis
	var lastSeq int64
	if latestMined != nil {
		expectedRoot = latestMined.PostRoot
		lastSeq = latestMined.SequenceID
	}

	rows, err := ti.store.GetTreeUpdatesByStatus(ctx, store.StatusMined)
	if err != nil {
		return nil, field.Element{}, 0, sequencererr.Infrastructure(err, "tree_initializer: get tree updates by status mined")
	}
	return dedupeByLeafIndexKeepLast(rows), expectedRoot, lastSeq, nil
}

// dedupeByLeafIndexKeepLast sorts stably by leaf_index ascending (which,
// since rows arrive in sequence_id order, preserves sequence order among
// ties) and keeps only the last row per leaf_index.
func dedupeByLeafIndexKeepLast(rows []store.IdentityRow) []store.IdentityRow {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].LeafIndex < rows[j].LeafIndex })
	out := make([]store.IdentityRow, 0, len(rows))
	for i, r := range rows {
		if i+1 < len(rows) && rows[i+1].LeafIndex == r.LeafIndex {
			continue
		}
		out = append(out, r)
	}
	return out
}

// nextLeafAfter reports one past the highest leaf index any non-zero
// (insertion) row in rows wrote; a deletion (ZERO element) never advances
// next_leaf, mirroring TreeVersion.ApplyUpdates.
func nextLeafAfter(rows []store.IdentityRow) uint64 {
	var next uint64
	for _, r := range rows {
		if !r.Commitment.IsZero() && r.LeafIndex+1 > next {
			next = r.LeafIndex + 1
		}
	}
	return next
}

// buildTree implements boot steps 5-6: restore the canonical tree from
// the dense-prefix cache when one exists and is still valid against the
// expected Mined root, otherwise rebuild it from scratch and (re)write
// the cache.
func (ti *TreeInitializer) buildTree(items []store.IdentityRow, expectedRoot field.Element, forcePurge bool) (*merkletree.Tree, error) {
	denseLeaves := uint64(1) << uint(ti.densePrefixDepth)

	if ti.cachePath != "" && !forcePurge {
		if _, err := os.Stat(ti.cachePath); err == nil {
			tree, ok, err := ti.tryRestoreFromCache(items, expectedRoot, denseLeaves)
			if err != nil {
				return nil, err
			}
			if ok {
				return tree, nil
			}
			ti.logger.Warn("dense prefix cache did not reproduce the expected mined root, rebuilding from scratch")
		}
	}
	return ti.buildFromScratch(items, denseLeaves)
}

func (ti *TreeInitializer) tryRestoreFromCache(items []store.IdentityRow, expectedRoot field.Element, denseLeaves uint64) (*merkletree.Tree, bool, error) {
	cache, err := merkletree.OpenDensePrefixCache(ti.cachePath, ti.densePrefixDepth)
	if err != nil {
		return nil, false, err
	}
	defer cache.Close()

	tree := merkletree.NewEmptyTree(ti.depth, ti.initialLeaf)
	for i := uint64(0); i < denseLeaves; i++ {
		tree = tree.Update(i, cache.ReadLeaf(i))
	}
	for _, r := range items {
		if r.LeafIndex >= denseLeaves {
			tree = tree.Update(r.LeafIndex, r.Commitment)
		}
	}

	if !field.Equal(tree.Root(), expectedRoot) {
		return nil, false, nil
	}
	return tree, true, nil
}

func (ti *TreeInitializer) buildFromScratch(items []store.IdentityRow, denseLeaves uint64) (*merkletree.Tree, error) {
	tree := merkletree.NewEmptyTree(ti.depth, ti.initialLeaf)
	for _, r := range items {
		tree = tree.Update(r.LeafIndex, r.Commitment)
	}
	if ti.cachePath != "" {
		if err := ti.rewriteCache(tree, denseLeaves); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

func (ti *TreeInitializer) rewriteCache(tree *merkletree.Tree, denseLeaves uint64) error {
	cache, err := merkletree.OpenDensePrefixCache(ti.cachePath, ti.densePrefixDepth)
	if err != nil {
		return err
	}
	defer cache.Close()
	for i := uint64(0); i < denseLeaves; i++ {
		cache.WriteLeaf(i, tree.Leaf(i))
	}
	return cache.Flush()
}
