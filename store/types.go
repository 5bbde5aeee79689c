// Package store is the sequencer's persistence layer: a transactional
// relational store of identities, batches, transactions, deletions and
// recoveries, fronted by an interface so the pipeline tasks can run
// against either the real PostgreSQL-backed implementation or the
// in-memory storetest.Fake.
package store

import (
	"time"

	"github.com/worldcoin/signup-sequencer/field"
)

// IdentityStatus is the lifecycle stage of a row in the identities log.
type IdentityStatus string

const (
	StatusPending   IdentityStatus = "pending"
	StatusProcessed IdentityStatus = "processed"
	StatusMined     IdentityStatus = "mined"
)

// IdentityRow is one row of the identities log: sequence_id is the DB
// primary key and doubles as merkletree.TreeUpdate's SequenceID.
type IdentityRow struct {
	SequenceID int64
	LeafIndex  uint64
	Commitment field.Element
	Status     IdentityStatus
	PreRoot    field.Element
	PostRoot   field.Element
	ReceivedAt time.Time
	MinedAt    *time.Time
}

// RootStatus is the lifecycle stage of a distinct post_root value.
type RootStatus string

const (
	RootPending   RootStatus = "pending"
	RootProcessed RootStatus = "processed"
	RootMined     RootStatus = "mined"
)

// RootItem is one row of root_history.
type RootItem struct {
	Root             field.Element
	Status           RootStatus
	PendingValidAsOf time.Time
	MinedValidAsOf   *time.Time
}

// UnprocessedIdentity is a commitment awaiting entry into the tree.
type UnprocessedIdentity struct {
	Commitment  field.Element
	ReceivedAt  time.Time
	Eligibility time.Time
}

// DeletionEntry is a pending deletion scheduled by the API.
type DeletionEntry struct {
	LeafIndex  uint64
	Commitment field.Element
	CreatedAt  time.Time
}

// RecoveryEntry records that, on deletion of Existing, New becomes an
// unprocessed identity eligible after the recovery delay.
type RecoveryEntry struct {
	ExistingCommitment field.Element
	NewCommitment      field.Element
}

// BatchType distinguishes an insertion batch (non-zero leaves) from a
// deletion batch (ZERO leaves).
type BatchType string

const (
	BatchInsertion BatchType = "insertion"
	BatchDeletion  BatchType = "deletion"
)

// Batch is one link of the batch chain, joined prev_root -> next_root.
type Batch struct {
	ID         int64
	PrevRoot   *field.Element // nil for the synthetic head batch
	NextRoot   field.Element
	Type       BatchType
	Identities []field.Element
	Indexes    []uint64
	CreatedAt  time.Time
}

// Transaction records that a batch has been submitted on-chain (or, in
// off-chain mode, committed to the in-process ledger).
type Transaction struct {
	TransactionID string
	BatchNextRoot field.Element
	CreatedAt     time.Time
}

// TreeItem is the current (highest sequence id) update for a commitment.
type TreeItem struct {
	LeafIndex  uint64
	SequenceID int64
	Status     IdentityStatus
	Commitment field.Element
}
