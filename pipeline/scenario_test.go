package pipeline

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/worldcoin/signup-sequencer/chain"
	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/log"
	"github.com/worldcoin/signup-sequencer/merkletree"
	"github.com/worldcoin/signup-sequencer/prover"
	"github.com/worldcoin/signup-sequencer/store"
	"github.com/worldcoin/signup-sequencer/store/storetest"
)

// stubProver is a no-op prover.Prover: proof bytes are opaque past this
// module's boundary (spec.md Non-goals), so the scenario tests only need
// something that reports a batch size and never errors.
type stubProver struct{ size int }

func (s stubProver) BatchSize() int { return s.size }
func (s stubProver) GenerateInsertionProof(context.Context, prover.InsertionProofRequest) (prover.Proof, error) {
	return prover.Proof{0x01}, nil
}
func (s stubProver) GenerateDeletionProof(context.Context, prover.DeletionProofRequest) (prover.Proof, error) {
	return prover.Proof{0x02}, nil
}

// scenarioEnv wires one instance of every background task against a
// shared storetest.Fake and chain.OffChainProcessor, calling each task's
// tick directly rather than its Run loop so a test can drive the
// pipeline deterministically instead of racing timers.
type scenarioEnv struct {
	t   *testing.T
	ctx context.Context

	st        *storetest.Fake
	processor *chain.OffChainProcessor
	state     *merkletree.TreeState

	modifyTree         *ModifyTree
	createBatches      *CreateBatches
	processBatches     *ProcessBatches
	finalizeIdentities *FinalizeIdentities
	syncTreeState      *SyncTreeStateWithDb
}

func newScenarioEnv(t *testing.T, proverBatchSize int, minBatchDeletionSize int, batchDeletionTimeout time.Duration) *scenarioEnv {
	t.Helper()
	ctx := context.Background()

	st := storetest.New()
	processor := chain.NewOffChainProcessor(time.Hour, time.Minute)
	logger := log.New(slog.LevelError)

	registry := prover.NewRegistry()
	registry.Register(stubProver{size: proverBatchSize})

	const depth = 4
	initializer := NewTreeInitializer(st, processor, logger, nil, depth, field.Zero(), 2, 1_000_000, "", false)
	state, err := initializer.Init(ctx)
	if err != nil {
		t.Fatalf("tree_initializer: %v", err)
	}

	syncNotify := NewNotifier()
	nextBatchNotify := NewNotifier()
	treeSynced := NewWatch()

	modifyTree := NewModifyTree(st, state.LatestTree(), logger, nil, minBatchDeletionSize, batchDeletionTimeout, syncNotify, NewNotifier())
	createBatches := NewCreateBatches(st, state.BatchingTree(), registry, depth, logger, nil, 10*time.Second, nextBatchNotify, NewNotifier(), treeSynced)
	txIDs := make(chan string, 16)
	// processBatches shares nextBatchNotify as its own self so it wakes
	// immediately after CreateBatches commits, mirroring Pipeline.Run's wiring.
	processBatches := NewProcessBatches(st, state.BatchingTree(), processor, registry, depth, logger, txIDs, nextBatchNotify)
	finalizeIdentities := NewFinalizeIdentities(st, state.ProcessedTree(), state.MinedTree(), processor, depth, logger, time.Minute, NewNotifier())
	syncTreeState := NewSyncTreeStateWithDb(st, state.MinedTree(), state.ProcessedTree(), state.BatchingTree(), state.LatestTree(), logger, time.Minute, syncNotify, treeSynced)

	if err := createBatches.ensureHeadBatch(ctx); err != nil {
		t.Fatalf("ensure_head_batch: %v", err)
	}

	return &scenarioEnv{
		t: t, ctx: ctx,
		st: st, processor: processor, state: state,
		modifyTree: modifyTree, createBatches: createBatches,
		processBatches: processBatches, finalizeIdentities: finalizeIdentities,
		syncTreeState: syncTreeState,
	}
}

func (e *scenarioEnv) mustSync() {
	e.t.Helper()
	if err := e.syncTreeState.tick(e.ctx); err != nil {
		e.t.Fatalf("sync_tree_state: %v", err)
	}
}

func (e *scenarioEnv) mustModify() {
	e.t.Helper()
	if err := e.modifyTree.tick(e.ctx); err != nil {
		e.t.Fatalf("modify_tree: %v", err)
	}
}

// driveOneBatch runs one full insertion-or-deletion batch to completion:
// modify, sync, create, process, finalize, sync again.
func (e *scenarioEnv) driveOneBatch() {
	e.t.Helper()
	e.mustModify()
	e.mustSync()
	if err := e.createBatches.tick(e.ctx); err != nil {
		e.t.Fatalf("create_batches: %v", err)
	}
	if _, err := e.processBatches.tick(e.ctx); err != nil {
		e.t.Fatalf("process_batches: %v", err)
	}
	if err := e.finalizeIdentities.tick(e.ctx); err != nil {
		e.t.Fatalf("finalize_identities: %v", err)
	}
	e.mustSync()
}

func (e *scenarioEnv) commitment(n int64) field.Element {
	return field.FromBigInt(big.NewInt(n))
}

func (e *scenarioEnv) insert(c field.Element) {
	e.t.Helper()
	if err := e.st.InsertUnprocessedIdentity(e.ctx, c); err != nil {
		e.t.Fatalf("insert unprocessed identity: %v", err)
	}
}

// isLive reports whether c's own insertion row is still the latest
// update at its leaf: GetTreeItem(c) never stops finding that row, even
// after a deletion, since a deletion writes a separate ZERO row at the
// same leaf rather than overwriting it.
func (e *scenarioEnv) isLive(c field.Element) bool {
	e.t.Helper()
	row, err := e.st.GetTreeItem(e.ctx, c)
	if err != nil {
		e.t.Fatalf("get tree item: %v", err)
	}
	if row == nil {
		return false
	}
	current, err := e.st.GetTreeItemByLeafIndex(e.ctx, row.LeafIndex)
	if err != nil {
		e.t.Fatalf("get tree item by leaf index: %v", err)
	}
	return current != nil && current.SequenceID == row.SequenceID
}

func (e *scenarioEnv) treeItemFor(c field.Element) merkletree.TreeItem {
	e.t.Helper()
	row, err := e.st.GetTreeItem(e.ctx, c)
	if err != nil {
		e.t.Fatalf("get tree item: %v", err)
	}
	if row == nil {
		e.t.Fatalf("identity %s has no tree item", c.Hex())
	}
	return merkletree.TreeItem{LeafIndex: row.LeafIndex, SequenceID: row.SequenceID, Element: c}
}

// TestScenarioInsertInclusionProofTransitions is S1: insert a commitment,
// observe it Pending against Latest, then Mined once a batch commits and
// the off-chain processor finalizes it. Off-chain mode advances Processed
// and Mined together (no separate secondary-chain confirmation delay), so
// the Processed-only stage the on-chain path goes through collapses here.
func TestScenarioInsertInclusionProofTransitions(t *testing.T) {
	env := newScenarioEnv(t, 3, 1, time.Hour)
	c := env.commitment(1)
	env.insert(c)

	env.mustModify()
	env.mustSync()

	item := env.treeItemFor(c)
	_, proof := env.state.GetProofFor(item)
	if proof.Status != merkletree.StatusPending {
		t.Fatalf("expected Pending before any batch, got %s", proof.Status)
	}
	if len(proof.Proof.Siblings) != 4 {
		t.Fatalf("expected 4 siblings at depth 4, got %d", len(proof.Proof.Siblings))
	}

	// Force the batch timeout so a single-identity batch is cut early,
	// instead of sleeping past batch_insertion_timeout.
	env.createBatches.lastBatchTime = time.Now().Add(-time.Hour)
	if err := env.createBatches.tick(env.ctx); err != nil {
		t.Fatalf("create_batches: %v", err)
	}
	if _, err := env.processBatches.tick(env.ctx); err != nil {
		t.Fatalf("process_batches: %v", err)
	}
	if err := env.finalizeIdentities.tick(env.ctx); err != nil {
		t.Fatalf("finalize_identities: %v", err)
	}

	_, proof = env.state.GetProofFor(item)
	if proof.Status != merkletree.StatusMined {
		t.Fatalf("expected Mined after commit+finalize, got %s", proof.Status)
	}
	if !field.Equal(proof.Root, env.state.MinedTree().GetRoot()) {
		t.Fatalf("proof root does not match Mined's own root")
	}
}

// TestScenarioDeleteThenReinsert is S2: delete a mined identity, then
// re-insert the same commitment value; it is accepted again and lands on
// a fresh leaf rather than reusing the deleted one. A second identity is
// inserted first so the deletion is not the tree's current last-filled
// suffix, which ModifyTree defers to the next tick as an optimization.
func TestScenarioDeleteThenReinsert(t *testing.T) {
	env := newScenarioEnv(t, 4, 1, 0)
	c := env.commitment(7)
	other := env.commitment(8)
	env.insert(c)
	env.insert(other)

	// Land both on leaves 0 and 1 and mine them.
	env.createBatches.lastBatchTime = time.Now().Add(-time.Hour)
	env.driveOneBatch()

	cItem := env.treeItemFor(c)
	_, proof := env.state.GetProofFor(cItem)
	if proof.Status != merkletree.StatusMined {
		t.Fatalf("expected c Mined before deletion, got %s", proof.Status)
	}
	if cItem.LeafIndex != 0 {
		t.Fatalf("expected c to land at leaf 0, got %d", cItem.LeafIndex)
	}

	if err := env.st.InsertNewDeletion(env.ctx, cItem.LeafIndex, c); err != nil {
		t.Fatalf("insert new deletion: %v", err)
	}
	env.createBatches.lastBatchTime = time.Now().Add(-time.Hour)
	env.driveOneBatch()

	if env.isLive(c) {
		t.Fatalf("expected c to no longer be live after its deletion is mined")
	}

	env.insert(c)
	env.createBatches.lastBatchTime = time.Now().Add(-time.Hour)
	env.driveOneBatch()

	newItem := env.treeItemFor(c)
	if newItem.LeafIndex == cItem.LeafIndex {
		t.Fatalf("expected re-inserted c to land on a fresh leaf, got the same leaf %d again", newItem.LeafIndex)
	}
}

// TestScenarioBatchingDeadline is S4: with a small prover batch size and
// only enough identities queued to partially fill it, a batch is still
// cut once it goes overdue, padded with ZERO at the unused slots.
func TestScenarioBatchingDeadline(t *testing.T) {
	env := newScenarioEnv(t, 3, 1, time.Hour)
	c1 := env.commitment(11)
	c2 := env.commitment(12)
	env.insert(c1)
	env.insert(c2)

	env.mustModify()
	env.mustSync()

	env.createBatches.lastBatchTime = time.Now().Add(-time.Hour)
	if err := env.createBatches.tick(env.ctx); err != nil {
		t.Fatalf("create_batches: %v", err)
	}

	batch, err := env.st.GetNextBatchWithoutTransaction(env.ctx)
	if err != nil {
		t.Fatalf("get_next_batch_without_transaction: %v", err)
	}
	if batch == nil {
		t.Fatalf("expected an overdue batch to be cut")
	}
	if batch.Type != store.BatchInsertion {
		t.Fatalf("expected an insertion batch, got %s", batch.Type)
	}
	if len(batch.Identities) != 3 {
		t.Fatalf("expected the batch padded to the prover's size 3, got %d identities", len(batch.Identities))
	}
	if !batch.Identities[2].IsZero() {
		t.Fatalf("expected the padded slot to be ZERO")
	}
}

// TestScenarioDeletionPriorityInterleave is S5: a queued deletion takes
// priority over a queued insertion in the same tick.
func TestScenarioDeletionPriorityInterleave(t *testing.T) {
	env := newScenarioEnv(t, 4, 1, 0)
	c1 := env.commitment(21)
	c2 := env.commitment(22)
	c3 := env.commitment(23)
	env.insert(c1)
	env.insert(c2)

	env.createBatches.lastBatchTime = time.Now().Add(-time.Hour)
	env.driveOneBatch() // lands c1, c2 at leaves 0, 1 and mines them.

	item1 := env.treeItemFor(c1)
	if err := env.st.InsertNewDeletion(env.ctx, item1.LeafIndex, c1); err != nil {
		t.Fatalf("insert new deletion: %v", err)
	}
	env.insert(c3)

	if err := env.modifyTree.tick(env.ctx); err != nil {
		t.Fatalf("modify_tree: %v", err)
	}

	deletions, err := env.st.GetDeletions(env.ctx)
	if err != nil {
		t.Fatalf("get_deletions: %v", err)
	}
	if len(deletions) != 0 {
		t.Fatalf("expected the deletion to have been drained by the priority sub-flow, got %d left", len(deletions))
	}

	unprocessed, err := env.st.GetEligibleUnprocessedCommitments(env.ctx, time.Now())
	if err != nil {
		t.Fatalf("get_eligible_unprocessed_commitments: %v", err)
	}
	if len(unprocessed) != 1 {
		t.Fatalf("expected c3's insertion to still be queued after the deletion sub-flow ran, got %d", len(unprocessed))
	}
}

// TestScenarioCrashRecoveryEquivalence is S6: re-running the boot
// protocol against the same durable store reproduces the same four
// roots, whether or not a dense prefix cache is involved (this test
// elides the mmap cache path, already covered by
// merkletree.DensePrefixCache's own tests, and only exercises the
// from-scratch rebuild TreeInitializer falls back to without one).
func TestScenarioCrashRecoveryEquivalence(t *testing.T) {
	env := newScenarioEnv(t, 3, 1, time.Hour)
	c1 := env.commitment(31)
	c2 := env.commitment(32)
	env.insert(c1)
	env.insert(c2)
	env.createBatches.lastBatchTime = time.Now().Add(-time.Hour)
	env.driveOneBatch()

	wantMined := env.state.MinedTree().GetRoot()
	wantProcessed := env.state.ProcessedTree().GetRoot()
	wantBatching := env.state.BatchingTree().GetRoot()
	wantLatest := env.state.LatestTree().GetRoot()

	restarted := NewTreeInitializer(env.st, env.processor, log.New(slog.LevelError), nil, 4, field.Zero(), 2, 1_000_000, "", false)
	state2, err := restarted.Init(env.ctx)
	if err != nil {
		t.Fatalf("re-init after restart: %v", err)
	}

	if !field.Equal(state2.MinedTree().GetRoot(), wantMined) {
		t.Fatalf("mined root diverged after restart")
	}
	if !field.Equal(state2.ProcessedTree().GetRoot(), wantProcessed) {
		t.Fatalf("processed root diverged after restart")
	}
	if !field.Equal(state2.BatchingTree().GetRoot(), wantBatching) {
		t.Fatalf("batching root diverged after restart")
	}
	if !field.Equal(state2.LatestTree().GetRoot(), wantLatest) {
		t.Fatalf("latest root diverged after restart")
	}
}
