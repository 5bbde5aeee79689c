package pipeline

import (
	"context"
	"time"

	"github.com/worldcoin/signup-sequencer/chain"
	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/log"
	"github.com/worldcoin/signup-sequencer/merkletree"
	"github.com/worldcoin/signup-sequencer/prover"
	"github.com/worldcoin/signup-sequencer/sequencererr"
	"github.com/worldcoin/signup-sequencer/store"
)

// ProcessBatches hands the earliest batch without a linked transaction
// to the external prover and the identity processor, then records the
// resulting transaction id. In on-chain mode the prover request's Merkle
// witnesses are reconstructed from Batching's own diff (populated by
// CreateBatches.ApplyUpdatesUpTo), never by re-walking the database.
type ProcessBatches struct {
	store     store.Store
	batching  *merkletree.TreeVersion
	processor chain.IdentityProcessor
	provers   *prover.Registry
	depth     int
	logger    *log.Logger

	txIDs chan<- string
	self  *Notifier
}

func NewProcessBatches(
	st store.Store,
	batching *merkletree.TreeVersion,
	processor chain.IdentityProcessor,
	provers *prover.Registry,
	depth int,
	logger *log.Logger,
	txIDs chan<- string,
	self *Notifier,
) *ProcessBatches {
	return &ProcessBatches{
		store:     st,
		batching:  batching,
		processor: processor,
		provers:   provers,
		depth:     depth,
		logger:    logger,
		txIDs:     txIDs,
		self:      self,
	}
}

func (p *ProcessBatches) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.self.C():
		case <-ticker.C:
		}
		more, err := p.tick(ctx)
		if err != nil {
			return err
		}
		if more {
			p.self.Signal()
		}
	}
}

func (p *ProcessBatches) tick(ctx context.Context) (bool, error) {
	batch, err := p.store.GetNextBatchWithoutTransaction(ctx)
	if err != nil {
		return false, sequencererr.Infrastructure(err, "process_batches: get next batch")
	}
	if batch == nil {
		return false, nil
	}

	txID, err := p.submit(ctx, *batch)
	if err != nil {
		return false, sequencererr.Infrastructure(err, "process_batches: submit batch")
	}

	if err := p.store.InsertNewTransaction(ctx, txID, batch.NextRoot); err != nil {
		return false, sequencererr.Infrastructure(err, "process_batches: insert new transaction")
	}

	select {
	case p.txIDs <- txID:
	case <-ctx.Done():
		return false, nil
	}
	return true, nil
}

// submit generates a proof, in either mode, whenever a registered prover
// covers the batch size, logging a failure, and then hands the batch to
// the identity processor. The proof is not passed to CommitIdentities,
// which receives only the batch.
func (p *ProcessBatches) submit(ctx context.Context, batch store.Batch) (string, error) {
	if prv, err := p.provers.Select(len(batch.Identities)); err == nil {
		if _, err := p.generateProof(ctx, prv, batch); err != nil {
			p.logger.Warn("process_batches: proof generation failed, submitting without it", "error", err)
		}
	}
	return p.processor.CommitIdentities(ctx, batch)
}

func (p *ProcessBatches) generateProof(ctx context.Context, prv prover.Prover, batch store.Batch) (prover.Proof, error) {
	identities, err := p.witnessedIdentities(batch)
	if err != nil {
		return nil, err
	}
	if batch.Type == store.BatchDeletion {
		packed := packIndices(batch.Indexes, p.depth)
		return prv.GenerateDeletionProof(ctx, prover.DeletionProofRequest{
			PreRoot:       preRootOf(batch),
			PostRoot:      batch.NextRoot,
			PackedIndices: packed,
			Identities:    identities,
		})
	}
	return prv.GenerateInsertionProof(ctx, prover.InsertionProofRequest{
		StartIndex: batch.Indexes[0],
		PreRoot:    preRootOf(batch),
		PostRoot:   batch.NextRoot,
		Identities: identities,
	})
}

func preRootOf(batch store.Batch) field.Element {
	if batch.PrevRoot == nil {
		return field.Zero()
	}
	return *batch.PrevRoot
}

// witnessedIdentities reconstructs a Merkle witness per batch entry:
// real (non-padding) entries come from Batching's own diff; padding
// entries (ZERO commitments past the real updates) get a proof against
// the tree state as of the last real update, which is valid for
// insertion padding (those leaves are genuinely still ZERO there) and a
// trivial all-zero proof for the deletion sentinel index, which lies
// outside the tree entirely.
func (p *ProcessBatches) witnessedIdentities(batch store.Batch) ([]prover.IdentityWithMerkleProof, error) {
	witnesses, err := p.batching.WitnessRange(batch.PrevRoot, batch.NextRoot)
	if err != nil {
		return nil, sequencererr.Infrastructure(err, "witness range for batch %s", batch.NextRoot.Hex())
	}

	out := make([]prover.IdentityWithMerkleProof, 0, len(batch.Identities))
	var tailTree *merkletree.Tree
	for i, w := range witnesses {
		element := w.Update.Element
		if batch.Type == store.BatchDeletion {
			element = w.PreTree.Leaf(w.Update.LeafIndex)
		}
		proof := w.PreTree.Proof(w.Update.LeafIndex)
		out = append(out, prover.IdentityWithMerkleProof{
			LeafIndex: batch.Indexes[i],
			Element:   element,
			Siblings:  proof.Siblings,
		})
		tailTree = w.PreTree.Update(w.Update.LeafIndex, w.Update.Element)
	}

	for i := len(witnesses); i < len(batch.Identities); i++ {
		idx := batch.Indexes[i]
		if batch.Type == store.BatchDeletion {
			out = append(out, prover.IdentityWithMerkleProof{
				LeafIndex: idx,
				Element:   field.Zero(),
				Siblings:  make([]field.Element, p.depth),
			})
			continue
		}
		out = append(out, prover.IdentityWithMerkleProof{
			LeafIndex: idx,
			Element:   field.Zero(),
			Siblings:  tailTree.Proof(idx).Siblings,
		})
	}
	return out, nil
}

// packIndices returns one bit per batch slot: bit i (least significant
// first within byte i/8) is set when slot i holds a real leaf index
// (below 2^depth) and left 0 for padding slots. The leaf indices
// themselves are not encoded. This is this module's own internal
// representation handed to the prover's JSON wire format.
func packIndices(indexes []uint64, depth int) []byte {
	out := make([]byte, (len(indexes)+7)/8)
	for i, idx := range indexes {
		if idx >= uint64(1)<<uint(depth) {
			continue
		}
		out[i/8] |= 1 << uint(i%8)
	}
	return out
}
