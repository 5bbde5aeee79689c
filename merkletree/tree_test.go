package merkletree

import (
	"math/big"
	"testing"

	"github.com/worldcoin/signup-sequencer/field"
)

const testDepth = 10

func TestEmptyTreeRootStable(t *testing.T) {
	a := NewEmptyTree(testDepth, field.Zero())
	b := NewEmptyTree(testDepth, field.Zero())
	if !field.Equal(a.Root(), b.Root()) {
		t.Fatal("two empty trees of the same depth must share a root")
	}
}

func TestUpdateChangesRoot(t *testing.T) {
	tree := NewEmptyTree(testDepth, field.Zero())
	before := tree.Root()

	updated := tree.Update(0, field.FromBigInt(big.NewInt(42)))
	after := updated.Root()

	if field.Equal(before, after) {
		t.Fatal("updating a leaf must change the root")
	}
	// The original tree must be untouched (copy-on-write).
	if !field.Equal(tree.Root(), before) {
		t.Fatal("Update must not mutate the receiver")
	}
}

func TestLeafRoundTrip(t *testing.T) {
	tree := NewEmptyTree(testDepth, field.Zero())
	v := field.FromBigInt(big.NewInt(1234))
	updated := tree.Update(7, v)

	if !field.Equal(updated.Leaf(7), v) {
		t.Fatal("leaf value mismatch after update")
	}
	if !updated.Leaf(8).IsZero() {
		t.Fatal("unrelated leaf must remain zero")
	}
}

func TestProofVerifiesAgainstRoot(t *testing.T) {
	tree := NewEmptyTree(testDepth, field.Zero())
	v := field.FromBigInt(big.NewInt(99))
	updated := tree.Update(3, v)

	proof := updated.Proof(3)
	if len(proof.Siblings) != testDepth {
		t.Fatalf("expected %d siblings, got %d", testDepth, len(proof.Siblings))
	}
	if !VerifyProof(updated.Root(), 3, v, proof) {
		t.Fatal("proof must verify against the tree root")
	}
}

func TestProofForEmptyLeafIsAllZeroSubtreeRoots(t *testing.T) {
	tree := NewEmptyTree(testDepth, field.Zero())
	proof := tree.Proof(5)
	for i, sibling := range proof.Siblings {
		if !field.Equal(sibling, tree.zeros[i]) {
			t.Fatalf("sibling %d should equal the empty subtree root at that depth", i)
		}
	}
}

func TestStructuralSharingAcrossUpdates(t *testing.T) {
	tree := NewEmptyTree(testDepth, field.Zero())
	t1 := tree.Update(0, field.FromBigInt(big.NewInt(1)))
	t2 := t1.Update(1, field.FromBigInt(big.NewInt(2)))

	if !field.Equal(t1.Leaf(0), field.FromBigInt(big.NewInt(1))) {
		t.Fatal("t1 must retain its own leaf 0 after deriving t2")
	}
	if !field.Equal(t2.Leaf(0), field.FromBigInt(big.NewInt(1))) {
		t.Fatal("t2 must inherit leaf 0 from t1")
	}
	if !field.Equal(t2.Leaf(1), field.FromBigInt(big.NewInt(2))) {
		t.Fatal("t2 leaf 1 must be the newly written value")
	}
}

func TestSequentialInsertsProduceDistinctRoots(t *testing.T) {
	tree := NewEmptyTree(testDepth, field.Zero())
	seen := map[string]bool{}
	for i := uint64(0); i < 16; i++ {
		tree = tree.Update(i, field.FromBigInt(big.NewInt(int64(i)+1)))
		root := tree.Root().Hex()
		if seen[root] {
			t.Fatalf("root repeated after inserting leaf %d", i)
		}
		seen[root] = true
	}
}
