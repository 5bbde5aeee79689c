package merkletree

import (
	"github.com/worldcoin/signup-sequencer/field"
)

// Status is the pipeline stage an inclusion proof was served from.
type Status int

const (
	StatusPending Status = iota
	StatusProcessed
	StatusMined
)

func (s Status) String() string {
	switch s {
	case StatusMined:
		return "mined"
	case StatusProcessed:
		return "processed"
	default:
		return "pending"
	}
}

// InclusionProof is the response shape for an inclusion query.
type InclusionProof struct {
	Status  Status
	Root    field.Element
	Proof   *Proof
	Message string
}

// TreeItem is the current (highest-sequence-id) update for a commitment.
type TreeItem struct {
	LeafIndex  uint64
	SequenceID int64
	Element    field.Element
}

// TreeState bundles the four linked tree versions and exposes the
// operations that read across them.
type TreeState struct {
	mined     *TreeVersion
	processed *TreeVersion
	batching  *TreeVersion
	latest    *TreeVersion
}

// NewTreeState chains four versions derived from a canonical Mined tree.
func NewTreeState(mined *TreeVersion) *TreeState {
	processed := DeriveVersion(mined)
	batching := DeriveVersion(processed)
	latest := DeriveVersion(batching)
	return &TreeState{mined: mined, processed: processed, batching: batching, latest: latest}
}

func (s *TreeState) MinedTree() *TreeVersion     { return s.mined }
func (s *TreeState) ProcessedTree() *TreeVersion { return s.processed }
func (s *TreeState) BatchingTree() *TreeVersion  { return s.batching }
func (s *TreeState) LatestTree() *TreeVersion    { return s.latest }

// GetProofFor returns the freshest consistent view of item: Mined if its
// leaf still matches, else Processed, else Latest, with the matching
// status.
func (s *TreeState) GetProofFor(item TreeItem) (field.Element, InclusionProof) {
	if leaf := s.mined.GetLeaf(item.LeafIndex); field.Equal(leaf, item.Element) {
		root, proof := s.mined.GetProof(item.LeafIndex)
		return leaf, InclusionProof{Status: StatusMined, Root: root, Proof: proof}
	}
	if leaf := s.processed.GetLeaf(item.LeafIndex); field.Equal(leaf, item.Element) {
		root, proof := s.processed.GetProof(item.LeafIndex)
		return leaf, InclusionProof{Status: StatusProcessed, Root: root, Proof: proof}
	}
	leaf, root, proof := s.latest.GetLeafAndProof(item.LeafIndex)
	return leaf, InclusionProof{Status: StatusPending, Root: root, Proof: proof}
}

// SequenceIDsOrdered reports whether the four versions' last sequence ids
// satisfy Mined <= Processed <= Batching <= Latest.
func (s *TreeState) SequenceIDsOrdered() bool {
	mined := s.mined.GetLastSequenceID()
	processed := s.processed.GetLastSequenceID()
	batching := s.batching.GetLastSequenceID()
	latest := s.latest.GetLastSequenceID()
	return mined <= processed && processed <= batching && batching <= latest
}
