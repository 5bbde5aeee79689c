// Package merkletree implements the fixed-depth, copy-on-write Poseidon
// Merkle tree at the core of the sequencer, its four-stage TreeState, and
// the garbage-collection protocol that compacts the canonical tree.
//
// Node storage follows the teacher's persistent-tree idiom (see the
// reference repo's trie/bintrie package for its copy-on-insert
// BinaryNode, and its crypto/commitment_tree package for the
// precomputed empty-subtree table): an update walks root to leaf,
// allocating only the nodes on the changed path and reusing every
// untouched subtree pointer, so two trees differing in one leaf share
// almost all of their storage.
package merkletree

import (
	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/poseidon"
)

// Tree is an immutable handle to one version of the Poseidon Merkle tree.
// Update never mutates the receiver; it returns a new Tree.
type Tree struct {
	depth int
	root  *node
	// zeros[d] is the root hash of a fully empty subtree of depth d,
	// seeded from the tree's configured initial leaf value. zeros[0] is
	// the initial leaf value itself.
	zeros []field.Element
}

// node is an internal tree node. A nil *node anywhere in the structure
// stands for "empty subtree of this depth" and is never allocated; its
// hash is looked up in Tree.zeros instead.
type node struct {
	hash  field.Element
	left  *node
	right *node
}

// Proof is a Merkle inclusion proof: one sibling hash per level, indexed
// from the leaf (0) to the root (Depth-1).
type Proof struct {
	Siblings []field.Element
}

// hashPair is the tree's two-to-one compression function.
func hashPair(l, r field.Element) field.Element {
	h := poseidon.PoseidonHash(nil, l.BigInt(), r.BigInt())
	return field.FromBigInt(h)
}

// NewEmptyTree builds a depth-D tree with every leaf set to initialLeaf.
func NewEmptyTree(depth int, initialLeaf field.Element) *Tree {
	zeros := make([]field.Element, depth+1)
	zeros[0] = initialLeaf
	for i := 1; i <= depth; i++ {
		zeros[i] = hashPair(zeros[i-1], zeros[i-1])
	}
	return &Tree{depth: depth, root: nil, zeros: zeros}
}

// Depth returns the tree's fixed depth D; it has 2^D leaf slots.
func (t *Tree) Depth() int { return t.depth }

// Root returns the current tree root.
func (t *Tree) Root() field.Element {
	return hashOf(t.root, t.depth, t.zeros)
}

func hashOf(n *node, depth int, zeros []field.Element) field.Element {
	if n == nil {
		return zeros[depth]
	}
	return n.hash
}

// Update returns a new Tree with leaf index set to value, structurally
// sharing every subtree unaffected by the change.
func (t *Tree) Update(index uint64, value field.Element) *Tree {
	newRoot := updateNode(t.root, t.depth, index, value, t.zeros)
	return &Tree{depth: t.depth, root: newRoot, zeros: t.zeros}
}

func updateNode(n *node, depth int, index uint64, value field.Element, zeros []field.Element) *node {
	if depth == 0 {
		return &node{hash: value}
	}
	var left, right *node
	if n != nil {
		left, right = n.left, n.right
	}
	half := uint64(1) << uint(depth-1)
	if index < half {
		left = updateNode(left, depth-1, index, value, zeros)
	} else {
		right = updateNode(right, depth-1, index-half, value, zeros)
	}
	return &node{
		hash:  hashPair(hashOf(left, depth-1, zeros), hashOf(right, depth-1, zeros)),
		left:  left,
		right: right,
	}
}

// Leaf returns the value stored at index.
func (t *Tree) Leaf(index uint64) field.Element {
	n := t.root
	depth := t.depth
	for depth > 0 {
		if n == nil {
			return t.zeros[0]
		}
		half := uint64(1) << uint(depth-1)
		if index < half {
			n = n.left
		} else {
			n = n.right
			index -= half
		}
		depth--
	}
	if n == nil {
		return t.zeros[0]
	}
	return n.hash
}

// Proof returns the inclusion proof for leaf index.
func (t *Tree) Proof(index uint64) *Proof {
	siblings := make([]field.Element, t.depth)
	collectProof(t.root, t.depth, index, t.zeros, siblings)
	return &Proof{Siblings: siblings}
}

// collectProof descends from n (currently at the given depth) toward the
// leaf at index, recording the sibling hash at each level. siblings is
// indexed leaf-first: siblings[0] is the leaf's immediate sibling,
// siblings[depth-1] is the one furthest from the leaf.
func collectProof(n *node, depth int, index uint64, zeros []field.Element, siblings []field.Element) {
	if depth == 0 {
		return
	}
	half := uint64(1) << uint(depth-1)
	var left, right *node
	if n != nil {
		left, right = n.left, n.right
	}
	if index < half {
		siblings[depth-1] = hashOf(right, depth-1, zeros)
		collectProof(left, depth-1, index, zeros, siblings)
	} else {
		siblings[depth-1] = hashOf(left, depth-1, zeros)
		collectProof(right, depth-1, index-half, zeros, siblings)
	}
}

// VerifyProof recomputes the root from leaf, index and proof and reports
// whether it matches root.
func VerifyProof(root field.Element, index uint64, leaf field.Element, proof *Proof) bool {
	current := leaf
	for height := 0; height < len(proof.Siblings); height++ {
		bit := (index >> uint(height)) & 1
		sib := proof.Siblings[height]
		if bit == 0 {
			current = hashPair(current, sib)
		} else {
			current = hashPair(sib, current)
		}
	}
	return field.Equal(current, root)
}
