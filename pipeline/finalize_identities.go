package pipeline

import (
	"context"
	"time"

	"github.com/worldcoin/signup-sequencer/chain"
	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/log"
	"github.com/worldcoin/signup-sequencer/merkletree"
	"github.com/worldcoin/signup-sequencer/sequencererr"
	"github.com/worldcoin/signup-sequencer/store"
)

// FinalizeIdentities polls the identity processor for newly confirmed
// roots and advances Processed (main chain) then Mined (secondary chain
// intersection). On a deletion batch's Processed advance it resolves any
// recoveries scheduled against the deleted commitments, re-queuing the
// recovered identities with a delayed eligibility.
type FinalizeIdentities struct {
	store     store.Store
	processed *merkletree.TreeVersion
	mined     *merkletree.TreeVersion
	processor chain.IdentityProcessor
	depth     int
	logger    *log.Logger

	timeBetweenScans time.Duration
	self             *Notifier

	now func() time.Time
}

func NewFinalizeIdentities(
	st store.Store,
	processed, mined *merkletree.TreeVersion,
	processor chain.IdentityProcessor,
	depth int,
	logger *log.Logger,
	timeBetweenScans time.Duration,
	self *Notifier,
) *FinalizeIdentities {
	return &FinalizeIdentities{
		store:            st,
		processed:        processed,
		mined:            mined,
		processor:        processor,
		depth:            depth,
		logger:           logger,
		timeBetweenScans: timeBetweenScans,
		self:             self,
		now:              time.Now,
	}
}

func (f *FinalizeIdentities) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.timeBetweenScans)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.self.C():
		case <-ticker.C:
		}
		if err := f.tick(ctx); err != nil {
			return err
		}
	}
}

func (f *FinalizeIdentities) tick(ctx context.Context) error {
	processedRoot, minedRoot, err := f.processor.FinalizeIdentities(ctx)
	if err != nil {
		return sequencererr.Infrastructure(err, "finalize_identities: scan chain")
	}

	if !processedRoot.IsZero() {
		if err := f.advanceProcessed(ctx, processedRoot); err != nil {
			return err
		}
	}
	if !minedRoot.IsZero() {
		if err := f.advanceMined(ctx, minedRoot); err != nil {
			return err
		}
	}
	return nil
}

func (f *FinalizeIdentities) advanceProcessed(ctx context.Context, root field.Element) error {
	batch, err := f.store.GetBatchByRoot(ctx, root)
	if err != nil {
		return sequencererr.Infrastructure(err, "finalize_identities: get batch by root")
	}

	var deletedCommitments []field.Element
	if batch != nil && batch.Type == store.BatchDeletion {
		limit := uint64(1) << uint(f.depth)
		for _, idx := range batch.Indexes {
			if idx >= limit {
				continue // padding sentinel, not a real deletion
			}
			deletedCommitments = append(deletedCommitments, f.processed.GetLeaf(idx))
		}
	}

	if err := f.store.MarkRootAsProcessed(ctx, root, f.now()); err != nil {
		return sequencererr.Infrastructure(err, "finalize_identities: mark root as processed")
	}
	n, err := f.processed.ApplyUpdatesUpTo(root)
	if err != nil {
		return sequencererr.Infrastructure(err, "finalize_identities: apply updates up to (processed)")
	}
	if n == 0 {
		f.logger.Warn("finalize_identities: processed root not found in diff", "root", root.Hex())
		return nil
	}

	if len(deletedCommitments) > 0 {
		if err := f.resolveRecoveries(ctx, deletedCommitments); err != nil {
			return err
		}
	}
	return nil
}

func (f *FinalizeIdentities) resolveRecoveries(ctx context.Context, deleted []field.Element) error {
	recovered, err := f.store.DeleteRecoveries(ctx, deleted)
	if err != nil {
		return sequencererr.Infrastructure(err, "finalize_identities: delete recoveries")
	}
	if len(recovered) == 0 {
		return nil
	}

	eligibility := f.now().Add(f.processor.RootHistoryExpiry()).Add(f.processor.MaxEpochDuration())
	for _, r := range recovered {
		if err := f.store.InsertUnprocessedIdentityWithEligibility(ctx, r.NewCommitment, eligibility); err != nil {
			return sequencererr.Infrastructure(err, "finalize_identities: re-queue recovered identity")
		}
	}
	return nil
}

func (f *FinalizeIdentities) advanceMined(ctx context.Context, root field.Element) error {
	if err := f.store.MarkRootAsMined(ctx, root); err != nil {
		return sequencererr.Infrastructure(err, "finalize_identities: mark root as mined")
	}
	n, err := f.mined.ApplyUpdatesUpTo(root)
	if err != nil {
		return sequencererr.Infrastructure(err, "finalize_identities: apply updates up to (mined)")
	}
	if n == 0 {
		f.logger.Warn("finalize_identities: mined root not found in diff", "root", root.Hex())
	}
	return nil
}
