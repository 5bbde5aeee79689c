package store

import (
	"context"
	"time"

	"github.com/worldcoin/signup-sequencer/field"
)

// Store is the contract every pipeline task depends on. The PostgreSQL
// implementation (postgres.go) satisfies it behind pgx; storetest.Fake
// satisfies it in memory for tests that don't need a real database.
type Store interface {
	InsertUnprocessedIdentity(ctx context.Context, commitment field.Element) error
	InsertUnprocessedIdentityWithEligibility(ctx context.Context, commitment field.Element, eligibility time.Time) error
	GetEligibleUnprocessedCommitments(ctx context.Context, now time.Time) ([]UnprocessedIdentity, error)
	RemoveUnprocessedIdentities(ctx context.Context, commitments []field.Element) error

	InsertPendingIdentity(ctx context.Context, leafIndex uint64, commitment, preRoot, postRoot field.Element) (int64, error)

	GetTreeUpdatesAfterID(ctx context.Context, id int64) ([]IdentityRow, error)
	GetTreeUpdatesByStatus(ctx context.Context, status IdentityStatus) ([]IdentityRow, error)
	GetLatestTreeUpdateByStatuses(ctx context.Context, statuses []IdentityStatus) (*IdentityRow, error)
	GetTreeUpdateByRoot(ctx context.Context, root field.Element) (*IdentityRow, error)

	MarkRootAsProcessed(ctx context.Context, root field.Element, now time.Time) error
	MarkRootAsMined(ctx context.Context, root field.Element) error
	MarkAllAsPending(ctx context.Context) error

	InsertNewBatchHead(ctx context.Context, root field.Element) error
	InsertNewBatch(ctx context.Context, next field.Element, prev *field.Element, typ BatchType, identities []field.Element, indexes []uint64) error
	GetNextBatchWithoutTransaction(ctx context.Context) (*Batch, error)
	GetBatchByRoot(ctx context.Context, root field.Element) (*Batch, error)
	DeleteBatchesAfterRoot(ctx context.Context, root field.Element) error

	InsertNewTransaction(ctx context.Context, txID string, batchNextRoot field.Element) error

	InsertNewDeletion(ctx context.Context, leafIndex uint64, commitment field.Element) error
	GetDeletions(ctx context.Context) ([]DeletionEntry, error)
	RemoveDeletions(ctx context.Context, commitments []field.Element) error

	InsertNewRecovery(ctx context.Context, existing, new field.Element) error
	DeleteRecoveries(ctx context.Context, existing []field.Element) ([]RecoveryEntry, error)

	GetRootState(ctx context.Context, root field.Element) (*RootItem, error)
	IdentityExists(ctx context.Context, commitment field.Element) (bool, error)
	GetTreeItem(ctx context.Context, commitment field.Element) (*TreeItem, error)
	GetTreeItemByLeafIndex(ctx context.Context, leafIndex uint64) (*TreeItem, error)

	// GetNextLeafIndex returns one past the highest leaf_index any
	// identities row has ever been written at (0 if none have). This is
	// the database's own view of the tree's fill level, independent of
	// any in-memory TreeVersion.
	GetNextLeafIndex(ctx context.Context) (uint64, error)
}

// IsLive reports whether commitment currently occupies its leaf.
// GetTreeItem finds a commitment's own insertion row, which persists
// forever even past a later deletion (a deletion writes a separate ZERO
// row at the same leaf rather than mutating this one), so liveness
// additionally requires that row still be the latest update at that
// leaf index; IdentityExists alone cannot tell a live identity from a
// deleted one.
func IsLive(ctx context.Context, st Store, commitment field.Element) (bool, error) {
	row, err := st.GetTreeItem(ctx, commitment)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}
	current, err := st.GetTreeItemByLeafIndex(ctx, row.LeafIndex)
	if err != nil {
		return false, err
	}
	return current != nil && current.SequenceID == row.SequenceID, nil
}
