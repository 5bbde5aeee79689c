// Package storetest provides an in-memory store.Store double used by the
// pipeline task tests in place of a real PostgreSQL instance.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/sequencererr"
	"github.com/worldcoin/signup-sequencer/store"
)

// Fake is a single-process, mutex-guarded implementation of store.Store.
// It has no transaction isolation of its own: every method takes the lock
// for its whole duration, which is strictly more serializing than
// Repeatable Read and is therefore a safe stand-in for pipeline tests.
type Fake struct {
	mu sync.Mutex

	unprocessed map[field.Element]store.UnprocessedIdentity
	identities  []store.IdentityRow
	nextSeqID   int64
	roots       map[field.Element]*store.RootItem
	deletions   map[field.Element]store.DeletionEntry
	recoveries  map[field.Element]store.RecoveryEntry
	batches     []store.Batch
	nextBatchID int64
	txByRoot    map[field.Element]store.Transaction
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		unprocessed: make(map[field.Element]store.UnprocessedIdentity),
		roots:       make(map[field.Element]*store.RootItem),
		deletions:   make(map[field.Element]store.DeletionEntry),
		recoveries:  make(map[field.Element]store.RecoveryEntry),
		txByRoot:    make(map[field.Element]store.Transaction),
		nextSeqID:   1,
		nextBatchID: 1,
	}
}

var _ store.Store = (*Fake)(nil)

func (f *Fake) InsertUnprocessedIdentity(_ context.Context, commitment field.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.unprocessed[commitment]; ok {
		return nil
	}
	f.unprocessed[commitment] = store.UnprocessedIdentity{Commitment: commitment, ReceivedAt: time.Now()}
	return nil
}

func (f *Fake) GetEligibleUnprocessedCommitments(_ context.Context, now time.Time) ([]store.UnprocessedIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.UnprocessedIdentity
	for _, u := range f.unprocessed {
		if !u.Eligibility.After(now) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (f *Fake) InsertUnprocessedIdentityWithEligibility(_ context.Context, commitment field.Element, eligibility time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unprocessed[commitment] = store.UnprocessedIdentity{Commitment: commitment, Eligibility: eligibility}
	return nil
}

func (f *Fake) RemoveUnprocessedIdentities(_ context.Context, commitments []field.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range commitments {
		delete(f.unprocessed, c)
	}
	return nil
}

func (f *Fake) InsertPendingIdentity(_ context.Context, leafIndex uint64, commitment, preRoot, postRoot field.Element) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSeqID
	f.nextSeqID++
	f.identities = append(f.identities, store.IdentityRow{
		SequenceID: id,
		LeafIndex:  leafIndex,
		Commitment: commitment,
		Status:     store.StatusPending,
		PreRoot:    preRoot,
		PostRoot:   postRoot,
		ReceivedAt: time.Time{},
	})
	if _, ok := f.roots[postRoot]; !ok {
		f.roots[postRoot] = &store.RootItem{Root: postRoot, Status: store.RootPending}
	}
	delete(f.unprocessed, commitment)
	return id, nil
}

func (f *Fake) GetTreeUpdatesAfterID(_ context.Context, id int64) ([]store.IdentityRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.IdentityRow
	for _, row := range f.identities {
		if row.SequenceID > id {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *Fake) GetTreeUpdatesByStatus(_ context.Context, status store.IdentityStatus) ([]store.IdentityRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.IdentityRow
	for _, row := range f.identities {
		if row.Status == status {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *Fake) GetLatestTreeUpdateByStatuses(_ context.Context, statuses []store.IdentityStatus) (*store.IdentityRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[store.IdentityStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	for i := len(f.identities) - 1; i >= 0; i-- {
		if want[f.identities[i].Status] {
			row := f.identities[i]
			return &row, nil
		}
	}
	return nil, nil
}

func (f *Fake) GetTreeUpdateByRoot(_ context.Context, root field.Element) (*store.IdentityRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.identities {
		if field.Equal(row.PostRoot, root) {
			r := row
			return &r, nil
		}
	}
	return nil, nil
}

func (f *Fake) MarkRootAsProcessed(_ context.Context, root field.Element, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.indexOfRoot(root)
	if idx < 0 {
		return sequencererr.Absence("mark_root_as_processed: unknown root")
	}
	for i := range f.identities {
		if i <= idx && f.identities[i].Status == store.StatusPending {
			f.identities[i].Status = store.StatusProcessed
			t := now
			f.identities[i].MinedAt = &t
		} else if i > idx && f.identities[i].Status != store.StatusPending {
			f.identities[i].Status = store.StatusPending
			f.identities[i].MinedAt = nil
		}
	}
	if r, ok := f.roots[root]; ok {
		r.Status = store.RootProcessed
	}
	return nil
}

func (f *Fake) MarkRootAsMined(_ context.Context, root field.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.indexOfRoot(root)
	if idx < 0 {
		return sequencererr.Absence("mark_root_as_mined: unknown root")
	}
	for i := range f.identities {
		if i <= idx && f.identities[i].Status != store.StatusMined {
			f.identities[i].Status = store.StatusMined
		}
	}
	if r, ok := f.roots[root]; ok {
		r.Status = store.RootMined
		t := time.Time{}
		r.MinedValidAsOf = &t
	}
	return nil
}

func (f *Fake) MarkAllAsPending(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.identities {
		f.identities[i].Status = store.StatusPending
		f.identities[i].MinedAt = nil
	}
	return nil
}

func (f *Fake) indexOfRoot(root field.Element) int {
	for i, row := range f.identities {
		if field.Equal(row.PostRoot, root) {
			return i
		}
	}
	return -1
}

func (f *Fake) InsertNewBatchHead(_ context.Context, root field.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		if field.Equal(b.NextRoot, root) {
			return nil
		}
	}
	f.batches = append(f.batches, store.Batch{ID: f.nextBatchID, NextRoot: root, Type: store.BatchInsertion})
	f.nextBatchID++
	return nil
}

func (f *Fake) InsertNewBatch(_ context.Context, next field.Element, prev *field.Element, typ store.BatchType, identities []field.Element, indexes []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, store.Batch{
		ID:         f.nextBatchID,
		PrevRoot:   prev,
		NextRoot:   next,
		Type:       typ,
		Identities: identities,
		Indexes:    indexes,
	})
	f.nextBatchID++
	return nil
}

func (f *Fake) GetNextBatchWithoutTransaction(_ context.Context) (*store.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		if b.PrevRoot == nil {
			continue
		}
		if _, ok := f.txByRoot[b.NextRoot]; !ok {
			batch := b
			return &batch, nil
		}
	}
	return nil, nil
}

func (f *Fake) GetBatchByRoot(_ context.Context, root field.Element) (*store.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.batches {
		if field.Equal(b.NextRoot, root) {
			batch := b
			return &batch, nil
		}
	}
	return nil, nil
}

func (f *Fake) DeleteBatchesAfterRoot(_ context.Context, root field.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := -1
	for i, b := range f.batches {
		if field.Equal(b.NextRoot, root) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return sequencererr.Absence("delete_batches_after_root: unknown root")
	}
	f.batches = f.batches[:idx+1]
	return nil
}

func (f *Fake) InsertNewTransaction(_ context.Context, txID string, batchNextRoot field.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txByRoot[batchNextRoot] = store.Transaction{TransactionID: txID, BatchNextRoot: batchNextRoot}
	return nil
}

func (f *Fake) InsertNewDeletion(_ context.Context, leafIndex uint64, commitment field.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deletions[commitment]; ok {
		return nil
	}
	f.deletions[commitment] = store.DeletionEntry{LeafIndex: leafIndex, Commitment: commitment}
	return nil
}

func (f *Fake) GetDeletions(_ context.Context) ([]store.DeletionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.DeletionEntry, 0, len(f.deletions))
	for _, d := range f.deletions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeafIndex < out[j].LeafIndex })
	return out, nil
}

func (f *Fake) RemoveDeletions(_ context.Context, commitments []field.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range commitments {
		delete(f.deletions, c)
	}
	return nil
}

func (f *Fake) InsertNewRecovery(_ context.Context, existing, newCommitment field.Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveries[existing] = store.RecoveryEntry{ExistingCommitment: existing, NewCommitment: newCommitment}
	return nil
}

func (f *Fake) DeleteRecoveries(_ context.Context, existing []field.Element) ([]store.RecoveryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.RecoveryEntry
	for _, c := range existing {
		if r, ok := f.recoveries[c]; ok {
			out = append(out, r)
			delete(f.recoveries, c)
		}
	}
	return out, nil
}

func (f *Fake) GetRootState(_ context.Context, root field.Element) (*store.RootItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.roots[root]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (f *Fake) IdentityExists(_ context.Context, commitment field.Element) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.identities {
		if field.Equal(row.Commitment, commitment) {
			return true, nil
		}
	}
	return false, nil
}

func (f *Fake) GetTreeItem(_ context.Context, commitment field.Element) (*store.TreeItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.identities) - 1; i >= 0; i-- {
		row := f.identities[i]
		if field.Equal(row.Commitment, commitment) {
			return &store.TreeItem{LeafIndex: row.LeafIndex, SequenceID: row.SequenceID, Status: row.Status, Commitment: row.Commitment}, nil
		}
	}
	return nil, nil
}

func (f *Fake) GetTreeItemByLeafIndex(_ context.Context, leafIndex uint64) (*store.TreeItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.identities) - 1; i >= 0; i-- {
		row := f.identities[i]
		if row.LeafIndex == leafIndex {
			return &store.TreeItem{LeafIndex: row.LeafIndex, SequenceID: row.SequenceID, Status: row.Status, Commitment: row.Commitment}, nil
		}
	}
	return nil, nil
}

func (f *Fake) GetNextLeafIndex(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var next uint64
	for _, row := range f.identities {
		if row.LeafIndex+1 > next {
			next = row.LeafIndex + 1
		}
	}
	return next, nil
}
