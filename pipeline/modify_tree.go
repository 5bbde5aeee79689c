package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/log"
	"github.com/worldcoin/signup-sequencer/merkletree"
	"github.com/worldcoin/signup-sequencer/metrics"
	"github.com/worldcoin/signup-sequencer/sequencererr"
	"github.com/worldcoin/signup-sequencer/store"
)

// ModifyTree drains queued deletions and eligible unprocessed identities
// onto Latest: for each tick it runs exactly one of two sub-flows,
// deletion-priority over insertion, computing new roots by simulating
// against Latest (a pure operation) and recording the plan as rows in
// the identities log. It never mutates any TreeVersion directly —
// SyncTreeStateWithDb is the only task that calls ApplyUpdates, reading
// the rows this task writes.
type ModifyTree struct {
	store   store.Store
	latest  *merkletree.TreeVersion
	logger  *log.Logger
	metrics *metrics.SequencerMetrics

	minBatchDeletionSize int
	batchDeletionTimeout time.Duration

	syncTreeNotify *Notifier
	self           *Notifier

	now func() time.Time
}

// NewModifyTree wires a ModifyTree task. self is the task's own
// wake_up_notify; syncTreeNotify is the shared sync_tree_notify signaled
// after each successful tick.
func NewModifyTree(
	st store.Store,
	latest *merkletree.TreeVersion,
	logger *log.Logger,
	m *metrics.SequencerMetrics,
	minBatchDeletionSize int,
	batchDeletionTimeout time.Duration,
	syncTreeNotify, self *Notifier,
) *ModifyTree {
	return &ModifyTree{
		store:                st,
		latest:               latest,
		logger:               logger,
		metrics:              m,
		minBatchDeletionSize: minBatchDeletionSize,
		batchDeletionTimeout: batchDeletionTimeout,
		syncTreeNotify:       syncTreeNotify,
		self:                 self,
		now:                  time.Now,
	}
}

// Run blocks until ctx is cancelled, ticking on self's notifier or a
// 1-second fallback timer.
func (m *ModifyTree) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.self.C():
		case <-ticker.C:
		}
		if err := m.tick(ctx); err != nil {
			return err
		}
	}
}

func (m *ModifyTree) tick(ctx context.Context) error {
	fired, err := m.tryDeletionSubFlow(ctx)
	if err != nil {
		return err
	}
	if !fired {
		if err := m.insertionSubFlow(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *ModifyTree) tryDeletionSubFlow(ctx context.Context) (bool, error) {
	deletions, err := m.store.GetDeletions(ctx)
	if err != nil {
		return false, sequencererr.Infrastructure(err, "modify_tree: get deletions")
	}
	if m.metrics != nil {
		m.metrics.QueueDepth.WithLabelValues("deletions").Set(float64(len(deletions)))
	}
	if len(deletions) == 0 {
		return false, nil
	}

	oldest := deletions[0].CreatedAt
	for _, d := range deletions[1:] {
		if d.CreatedAt.Before(oldest) {
			oldest = d.CreatedAt
		}
	}
	due := len(deletions) >= m.minBatchDeletionSize || m.now().Sub(oldest) > m.batchDeletionTimeout
	if !due {
		return false, nil
	}

	indices := make([]uint64, len(deletions))
	byIndex := make(map[uint64]store.DeletionEntry, len(deletions))
	for i, d := range deletions {
		indices[i] = d.LeafIndex
		byIndex[d.LeafIndex] = d
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	if isSuffixDeletion(indices, m.latest.NextLeaf()) {
		// Every index runs contiguously up to next_leaf-1: deleting them
		// now would reproduce a root already in the batch chain the next
		// time the same leaves are appended to. Defer to next tick.
		return false, nil
	}

	preRoot := m.latest.GetRoot()
	commitments := make([]field.Element, 0, len(indices))
	for _, idx := range m.latest.SimulateDeleteMany(indices) {
		if _, err := m.store.InsertPendingIdentity(ctx, idx.LeafIndex, field.Zero(), preRoot, idx.Root); err != nil {
			return false, sequencererr.Infrastructure(err, "modify_tree: insert pending deletion")
		}
		preRoot = idx.Root
		commitments = append(commitments, byIndex[idx.LeafIndex].Commitment)
	}
	if err := m.store.RemoveDeletions(ctx, commitments); err != nil {
		return false, sequencererr.Infrastructure(err, "modify_tree: remove deletions")
	}

	m.syncTreeNotify.Signal()
	m.self.Signal()
	return true, nil
}

// isSuffixDeletion reports whether indices (sorted ascending) are exactly
// the contiguous run {nextLeaf-len(indices), ..., nextLeaf-1}.
func isSuffixDeletion(indices []uint64, nextLeaf uint64) bool {
	if len(indices) == 0 || uint64(len(indices)) > nextLeaf {
		return false
	}
	start := nextLeaf - uint64(len(indices))
	for i, idx := range indices {
		if idx != start+uint64(i) {
			return false
		}
	}
	return true
}

func (m *ModifyTree) insertionSubFlow(ctx context.Context) error {
	eligible, err := m.store.GetEligibleUnprocessedCommitments(ctx, m.now())
	if err != nil {
		return sequencererr.Infrastructure(err, "modify_tree: get eligible unprocessed commitments")
	}
	if m.metrics != nil {
		m.metrics.QueueDepth.WithLabelValues("unprocessed_identities").Set(float64(len(eligible)))
	}
	if len(eligible) == 0 {
		return nil
	}

	var fresh []field.Element
	var stale []field.Element
	for _, u := range eligible {
		live, err := store.IsLive(ctx, m.store, u.Commitment)
		if err != nil {
			return sequencererr.Infrastructure(err, "modify_tree: is_live")
		}
		if live {
			stale = append(stale, u.Commitment)
			continue
		}
		fresh = append(fresh, u.Commitment)
	}
	if len(stale) > 0 {
		if err := m.store.RemoveUnprocessedIdentities(ctx, stale); err != nil {
			return sequencererr.Infrastructure(err, "modify_tree: drop duplicate unprocessed identities")
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	dbNextLeaf, err := m.store.GetNextLeafIndex(ctx)
	if err != nil {
		return sequencererr.Infrastructure(err, "modify_tree: get next leaf index")
	}
	if dbNextLeaf != m.latest.NextLeaf() {
		return sequencererr.New(sequencererr.KindInfrastructure,
			"modify_tree: latest.next_leaf()=%d disagrees with db next_leaf=%d", m.latest.NextLeaf(), dbNextLeaf)
	}

	preRoot := m.latest.GetRoot()
	// SimulateAppendMany assigns leaf indices sequentially starting at
	// next_leaf, so simulated[i] corresponds to fresh[i] by position.
	simulated := m.latest.SimulateAppendMany(fresh)
	for i, sim := range simulated {
		if _, err := m.store.InsertPendingIdentity(ctx, sim.LeafIndex, fresh[i], preRoot, sim.Root); err != nil {
			return sequencererr.Infrastructure(err, "modify_tree: insert pending identity")
		}
		preRoot = sim.Root
	}
	if err := m.store.RemoveUnprocessedIdentities(ctx, fresh); err != nil {
		return sequencererr.Infrastructure(err, "modify_tree: remove promoted unprocessed identities")
	}

	m.syncTreeNotify.Signal()
	m.self.Signal()
	return nil
}
