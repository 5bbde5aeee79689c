// Package chain defines the sequencer's view of its Ethereum
// counterparty: the IdentityProcessor that tracks batch finality across
// the main and secondary chains, and the Submitter that gets typed
// transactions mined. OnChainProcessor is the only file in this package
// that imports go-ethereum (elsewhere only cmd/sequencer does, to parse
// the contract address); everything else depends on the interfaces here.
package chain

import (
	"context"
	"time"

	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/store"
)

// TypedTx is the batch transaction payload handed to a Submitter. The
// sequencer does not interpret its contents; IdentityProcessor
// implementations construct it, Submitter implementations transmit it.
type TypedTx struct {
	BatchNextRoot field.Element
	Calldata      []byte
}

// IdentityProcessor is the sequencer's only point of contact with the
// identity manager contract and the chains that finalize it.
type IdentityProcessor interface {
	// CommitIdentities submits batch on-chain (or, off-chain, records it
	// as committed) and returns a transaction id for MonitorTxs to track.
	CommitIdentities(ctx context.Context, batch store.Batch) (string, error)

	// FinalizeIdentities advances processedRoot from main-chain
	// confirmations and minedRoot from the secondary-chain intersection.
	// Returning zero values for either root means "no change."
	FinalizeIdentities(ctx context.Context) (processedRoot, minedRoot field.Element, err error)

	// AwaitCleanSlate blocks until the submitter has no transactions
	// in flight that this sequencer is responsible for.
	AwaitCleanSlate(ctx context.Context) error

	// MineTransaction reports whether txID has reached terminal success.
	// A transient lookup failure is an error, not a false.
	MineTransaction(ctx context.Context, txID string) (bool, error)

	// TreeInitCorrection is called during boot with the locally
	// reconstructed genesis root. OffChainProcessor adopts it as its
	// latest root when it has none yet; OnChainProcessor only logs a
	// warning when the contract's latest root differs from it. Neither
	// changes database rows: the caller corrects those afterwards.
	TreeInitCorrection(ctx context.Context, genesisRoot field.Element) error

	// LatestRoot returns the most recent root the processor has
	// observed on-chain, or the zero value if none yet.
	LatestRoot(ctx context.Context) (field.Element, bool, error)

	// RootHistoryExpiry and MaxEpochDuration are on-chain parameters
	// that drive recovery eligibility (spec invariant 6).
	RootHistoryExpiry() time.Duration
	MaxEpochDuration() time.Duration
}

// Submitter gets typed transactions mined, hiding whether the backend
// is an OZ-Defender-style relayer or a TxSitter REST service.
type Submitter interface {
	// SendTransaction submits tx and returns a transaction id. When
	// onlyOnce is true the backend must not resubmit an equivalent
	// transaction it has already accepted (idempotent commit).
	SendTransaction(ctx context.Context, tx TypedTx, onlyOnce bool) (string, error)

	// MineTransaction reports whether txID has reached terminal
	// success on-chain.
	MineTransaction(ctx context.Context, txID string) (bool, error)

	// FetchPendingTransactions lists transaction ids this backend still
	// considers in flight.
	FetchPendingTransactions(ctx context.Context) ([]string, error)
}
