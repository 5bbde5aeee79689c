// Package prover is the sequencer's view of the external proving
// services: generate a Groth16 proof for an insertion or deletion batch
// over HTTP, and pick the right prover for a given batch size.
package prover

import (
	"context"

	"github.com/worldcoin/signup-sequencer/field"
)

// IdentityWithMerkleProof pairs a leaf with its inclusion proof at the
// batch's pre-root, the witness shape every insertion/deletion proof
// request is built from.
type IdentityWithMerkleProof struct {
	LeafIndex uint64
	Element   field.Element
	Siblings  []field.Element
}

// InsertionProofRequest is the witness for an insertion batch proof.
type InsertionProofRequest struct {
	StartIndex uint64
	PreRoot    field.Element
	PostRoot   field.Element
	Identities []IdentityWithMerkleProof
}

// DeletionProofRequest is the witness for a deletion batch proof.
type DeletionProofRequest struct {
	PreRoot       field.Element
	PostRoot      field.Element
	PackedIndices []byte
	Identities    []IdentityWithMerkleProof
}

// Proof is an opaque Groth16 proof blob as returned by the proving
// service. Decoding/verifying its internal structure is out of scope
// here (spec.md Non-goals). ProcessBatches generates it but does not pass
// it on to the identity processor.
type Proof []byte

// Prover generates a proof for a batch of the size it was provisioned
// for. BatchSize reports that provisioned size so Registry can pick the
// smallest prover whose size covers a given batch.
type Prover interface {
	BatchSize() int
	GenerateInsertionProof(ctx context.Context, req InsertionProofRequest) (Proof, error)
	GenerateDeletionProof(ctx context.Context, req DeletionProofRequest) (Proof, error)
}
