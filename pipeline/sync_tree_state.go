package pipeline

import (
	"context"
	"time"

	"github.com/worldcoin/signup-sequencer/log"
	"github.com/worldcoin/signup-sequencer/merkletree"
	"github.com/worldcoin/signup-sequencer/sequencererr"
	"github.com/worldcoin/signup-sequencer/store"
)

// SyncTreeStateWithDb is the single reconciler of in-memory <-> database
// divergence. It runs on a timer and reconciles Latest, Batching, and
// Processed against the database frontier, then publishes on treeSynced
// so CreateBatches can proceed.
type SyncTreeStateWithDb struct {
	store     store.Store
	mined     *merkletree.TreeVersion
	processed *merkletree.TreeVersion
	batching  *merkletree.TreeVersion
	latest    *merkletree.TreeVersion
	logger    *log.Logger

	every      time.Duration
	self       *Notifier
	treeSynced *Watch
}

func NewSyncTreeStateWithDb(
	st store.Store,
	mined, processed, batching, latest *merkletree.TreeVersion,
	logger *log.Logger,
	every time.Duration,
	self *Notifier,
	treeSynced *Watch,
) *SyncTreeStateWithDb {
	return &SyncTreeStateWithDb{
		store:      st,
		mined:      mined,
		processed:  processed,
		batching:   batching,
		latest:     latest,
		logger:     logger,
		every:      every,
		self:       self,
		treeSynced: treeSynced,
	}
}

func (s *SyncTreeStateWithDb) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.self.C():
		case <-ticker.C:
		}
		if err := s.tick(ctx); err != nil {
			return err
		}
		s.treeSynced.Publish()
	}
}

// tick executes the 7 numbered steps of §4.10 against a single consistent
// read of the database, fatally aborting (returning an error, which the
// supervisor treats the same as a recovered panic: restart from scratch)
// if the Processed tree has diverged backwards from durable state.
func (s *SyncTreeStateWithDb) tick(ctx context.Context) error {
	minedOrProcessed, err := s.store.GetLatestTreeUpdateByStatuses(ctx, []store.IdentityStatus{store.StatusProcessed, store.StatusMined})
	if err != nil {
		return sequencererr.Infrastructure(err, "sync_tree_state: get latest mined/processed update")
	}

	processedSeq := s.processed.GetLastSequenceID()
	var mpSeq int64
	if minedOrProcessed != nil {
		mpSeq = minedOrProcessed.SequenceID
	}
	if minedOrProcessed != nil && mpSeq < processedSeq {
		return sequencererr.New(sequencererr.KindInfrastructure,
			"sync_tree_state: processed tree has diverged backwards from durable state (db seq %d < in-memory seq %d)",
			mpSeq, processedSeq)
	}

	pending, err := s.store.GetLatestTreeUpdateByStatuses(ctx, []store.IdentityStatus{store.StatusPending, store.StatusProcessed, store.StatusMined})
	if err != nil {
		return sequencererr.Infrastructure(err, "sync_tree_state: get latest pending update")
	}

	batchRow, err := s.store.GetNextBatchWithoutTransaction(ctx)
	if err != nil {
		return sequencererr.Infrastructure(err, "sync_tree_state: get next batch without transaction")
	}
	var batching *store.IdentityRow
	if batchRow != nil {
		batching, err = s.store.GetTreeUpdateByRoot(ctx, batchRow.NextRoot)
		if err != nil {
			return sequencererr.Infrastructure(err, "sync_tree_state: get tree update for batch root")
		}
	} else {
		// No un-transacted batch means Batching's own diff entries are
		// all the updates it has; its driving row is its own tip.
		batching, err = s.store.GetTreeUpdateByRoot(ctx, s.batching.GetRoot())
		if err != nil {
			return sequencererr.Infrastructure(err, "sync_tree_state: get tree update for batching tip")
		}
	}

	if err := s.reconcile(ctx, s.latest, s.batching, pending); err != nil {
		return err
	}
	if err := s.reconcile(ctx, s.batching, s.processed, batching); err != nil {
		return err
	}
	if err := s.reconcile(ctx, s.processed, nil, minedOrProcessed); err != nil {
		return err
	}
	return nil
}

// reconcile brings v forward or backward to match target, per §4.10 steps
// 5-7: forward-apply rows strictly after v's current sequence id, rewind
// if target is behind, no-op if equal. Drained rewound updates re-home
// onto rewindTarget's diff (Batching, for Latest's rewind; Processed, for
// Batching's rewind; nil for Processed, whose rewind would already have
// tripped the fatal check in tick).
func (s *SyncTreeStateWithDb) reconcile(ctx context.Context, v, rewindTarget *merkletree.TreeVersion, target *store.IdentityRow) error {
	if target == nil {
		return nil
	}
	current := v.GetLastSequenceID()

	switch {
	case target.SequenceID > current:
		rows, err := s.store.GetTreeUpdatesAfterID(ctx, current)
		if err != nil {
			return sequencererr.Infrastructure(err, "sync_tree_state: get tree updates after id %d", current)
		}
		updates := make([]merkletree.TreeUpdate, len(rows))
		for i, r := range rows {
			updates[i] = merkletree.TreeUpdate{
				SequenceID: r.SequenceID,
				LeafIndex:  r.LeafIndex,
				Element:    r.Commitment,
				PostRoot:   r.PostRoot,
				ReceivedAt: r.ReceivedAt,
			}
		}
		v.ApplyUpdates(updates)
	case target.SequenceID < current:
		if _, err := v.RewindUpdatesUpTo(target.PostRoot, rewindTarget); err != nil {
			return sequencererr.Infrastructure(err, "sync_tree_state: rewind to root")
		}
	}
	return nil
}
