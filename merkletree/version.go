package merkletree

import (
	"sort"
	"sync"
	"time"

	"github.com/worldcoin/signup-sequencer/field"
	"github.com/worldcoin/signup-sequencer/sequencererr"
)

// TreeUpdate is one mutation applied to the tree: a commitment (or ZERO,
// for a deletion) written to a leaf index, assigned a sequence id by the
// persistence layer. Applying TreeUpdate u to the tree state as of
// sequence id u.SequenceID-1 must produce a tree whose root is u.PostRoot.
type TreeUpdate struct {
	SequenceID int64
	LeafIndex  uint64
	Element    field.Element
	PostRoot   field.Element
	ReceivedAt time.Time
}

// snapshot is the mutable state a TreeVersion guards: the tree itself,
// the next free leaf index, and the sequence id of the last applied
// update.
type snapshot struct {
	tree           *Tree
	nextLeaf       uint64
	lastSequenceID int64
}

// AppliedTreeUpdate pairs an update with the snapshot that resulted from
// applying it.
type AppliedTreeUpdate struct {
	Update    TreeUpdate
	PostState snapshot
}

// canonicalMeta is carried only by the Mined version; it drives GC.
type canonicalMeta struct {
	flattenThreshold      uint64
	countSinceLastFlatten uint64
	onFlatten             func()
}

// derivedMeta is carried by every version except Mined.
type derivedMeta struct {
	diff     []AppliedTreeUpdate
	refState snapshot
}

// TreeVersion is a handle to one stage of the pipeline (Mined, Processed,
// Batching, or Latest). It is safe for concurrent use; every operation
// acquires, at most, this version's mutex and then its successor's,
// matching the canonical lock order Mined -> Processed -> Batching ->
// Latest.
type TreeVersion struct {
	mu    sync.Mutex
	state snapshot

	canonical *canonicalMeta // non-nil only for Mined
	derived   *derivedMeta   // non-nil for every version but Mined

	// next is this version's successor in the pipeline (nil for Latest).
	next *TreeVersion

	// order is this version's fixed position in the canonical chain
	// (Mined=0, Processed=1, Batching=2, Latest=3). Every operation that
	// must hold two versions' mutexes at once locks the lower order
	// first, regardless of which version a caller names "v" vs. its
	// target, so the acquisition order is never inverted by a caller
	// passing an out-of-chain-order pair (see RewindUpdatesUpTo).
	order int
}

// NewCanonicalVersion constructs the Mined version from an initial tree.
func NewCanonicalVersion(tree *Tree, nextLeaf uint64, lastSequenceID int64, flattenThreshold uint64) *TreeVersion {
	return &TreeVersion{
		state: snapshot{tree: tree, nextLeaf: nextLeaf, lastSequenceID: lastSequenceID},
		canonical: &canonicalMeta{
			flattenThreshold: flattenThreshold,
		},
	}
}

// SetFlattenCallback registers fn to be invoked after every flatten/rebuild
// cycle this (canonical) version runs. It is nil-safe to call with a nil fn
// and a no-op on a non-canonical version.
func (v *TreeVersion) SetFlattenCallback(fn func()) {
	if v.canonical != nil {
		v.canonical.onFlatten = fn
	}
}

// DeriveVersion constructs a derived version (Processed, Batching, or
// Latest) whose ref_state starts out equal to predecessor's current tip.
func DeriveVersion(predecessor *TreeVersion) *TreeVersion {
	predecessor.mu.Lock()
	defer predecessor.mu.Unlock()
	v := &TreeVersion{
		state: predecessor.state,
		derived: &derivedMeta{
			refState: predecessor.state,
		},
		order: predecessor.order + 1,
	}
	predecessor.next = v
	return v
}

// --- read operations, valid on any version ---

func (v *TreeVersion) GetRoot() field.Element {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.tree.Root()
}

func (v *TreeVersion) NextLeaf() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.nextLeaf
}

func (v *TreeVersion) GetLeaf(index uint64) field.Element {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.tree.Leaf(index)
}

func (v *TreeVersion) GetProof(index uint64) (field.Element, *Proof) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.tree.Root(), v.state.tree.Proof(index)
}

func (v *TreeVersion) GetLeafAndProof(index uint64) (field.Element, field.Element, *Proof) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.tree.Leaf(index), v.state.tree.Root(), v.state.tree.Proof(index)
}

func (v *TreeVersion) CommitmentsByLeaves(indices []uint64) []field.Element {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]field.Element, len(indices))
	for i, idx := range indices {
		out[i] = v.state.tree.Leaf(idx)
	}
	return out
}

func (v *TreeVersion) GetLastSequenceID() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.lastSequenceID
}

// --- Latest-only operations ---

// ApplyUpdates applies updates in order, in place, recording each into
// this version's diff. It does not touch the successor: the successor's
// ref_state and diff are left as they were. It is used by
// SyncTreeStateWithDb to forward Latest, Batching, or Processed onto a DB
// frontier that has moved ahead.
func (v *TreeVersion) ApplyUpdates(updates []TreeUpdate) {
	if len(updates) == 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, u := range updates {
		v.state.tree = v.state.tree.Update(u.LeafIndex, u.Element)
		if !u.Element.IsZero() {
			if u.LeafIndex+1 > v.state.nextLeaf {
				v.state.nextLeaf = u.LeafIndex + 1
			}
		}
		v.state.lastSequenceID = u.SequenceID
		if v.derived != nil {
			v.derived.diff = append(v.derived.diff, AppliedTreeUpdate{Update: u, PostState: v.state})
		}
	}
}

// simulated is the result of a pure, non-mutating tree operation.
type simulated struct {
	Root      field.Element
	Proof     *Proof
	LeafIndex uint64
}

// SimulateAppendMany returns (root, proof, leaf_index) triples for
// appending elements at successive next-leaf slots, without mutating v.
func (v *TreeVersion) SimulateAppendMany(elements []field.Element) []simulated {
	v.mu.Lock()
	defer v.mu.Unlock()

	tree := v.state.tree
	leaf := v.state.nextLeaf
	out := make([]simulated, len(elements))
	for i, e := range elements {
		tree = tree.Update(leaf, e)
		out[i] = simulated{Root: tree.Root(), Proof: tree.Proof(leaf), LeafIndex: leaf}
		leaf++
	}
	return out
}

// SimulateDeleteMany returns (root, proof, leaf_index) triples for
// writing ZERO at each of indices, in the order given, without mutating v.
func (v *TreeVersion) SimulateDeleteMany(indices []uint64) []simulated {
	v.mu.Lock()
	defer v.mu.Unlock()

	tree := v.state.tree
	out := make([]simulated, len(indices))
	for i, idx := range indices {
		tree = tree.Update(idx, field.Zero())
		out[i] = simulated{Root: tree.Root(), Proof: tree.Proof(idx), LeafIndex: idx}
	}
	return out
}

// --- operations on derived versions with a successor (Mined, Processed, Batching) ---

// PeekNextUpdates returns up to k contiguous updates from the successor's
// diff, restricted to a single polarity: the first entry's polarity
// (insertion if its element is non-zero, deletion otherwise) fixes it,
// and later entries are only included while they match.
func (v *TreeVersion) PeekNextUpdates(k int) ([]AppliedTreeUpdate, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.next == nil {
		return nil, sequencererr.New(sequencererr.KindInfrastructure, "peek_next_updates: version has no successor")
	}
	v.next.mu.Lock()
	defer v.next.mu.Unlock()

	diff := v.next.derived.diff
	if len(diff) == 0 || k <= 0 {
		return nil, nil
	}
	isInsertion := !diff[0].Update.Element.IsZero()
	n := 0
	for n < len(diff) && n < k {
		thisIsInsertion := !diff[n].Update.Element.IsZero()
		if thisIsInsertion != isInsertion {
			break
		}
		n++
	}
	out := make([]AppliedTreeUpdate, n)
	copy(out, diff[:n])
	return out, nil
}

// NextDiffLength reports the current length of the successor's diff.
// CreateBatches compares it with the length of a PeekNextUpdates result
// shorter than requested: equal means the peek took the whole diff,
// longer means the peek stopped at an entry of the other polarity. The
// two calls take separate snapshots, so an append between them also
// makes the diff look longer than the peek.
func (v *TreeVersion) NextDiffLength() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.next == nil {
		return 0, sequencererr.New(sequencererr.KindInfrastructure, "next_diff_length: version has no successor")
	}
	v.next.mu.Lock()
	defer v.next.mu.Unlock()
	return len(v.next.derived.diff), nil
}

// ApplyUpdatesUpTo locates the successor diff entry whose post-state root
// equals r, applies every entry up to and including it onto this
// version, drains them from the successor's diff, and returns how many
// were applied. It returns (0, nil) with no error when r is not found,
// mirroring the spec's "return 0 with warning" contract; callers log the
// warning. On success it triggers GC if this version is canonical.
func (v *TreeVersion) ApplyUpdatesUpTo(r field.Element) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.next == nil {
		return 0, sequencererr.New(sequencererr.KindInfrastructure, "apply_updates_up_to: version has no successor")
	}
	v.next.mu.Lock()

	diff := v.next.derived.diff
	pos := -1
	for i, entry := range diff {
		if field.Equal(entry.PostState.tree.Root(), r) {
			pos = i
			break
		}
	}
	if pos == -1 {
		v.next.mu.Unlock()
		return 0, nil
	}

	applied := diff[:pos+1]
	for _, entry := range applied {
		v.state = entry.PostState
		if v.derived != nil {
			v.derived.diff = append(v.derived.diff, entry)
		}
	}
	v.next.derived.diff = append([]AppliedTreeUpdate{}, diff[pos+1:]...)
	v.next.derived.refState = v.state
	v.next.mu.Unlock()

	if v.canonical != nil {
		v.canonical.countSinceLastFlatten += uint64(len(applied))
		if v.canonical.countSinceLastFlatten >= v.canonical.flattenThreshold {
			v.canonical.countSinceLastFlatten = 0
			flattenAndRebuild(v)
			if v.canonical.onFlatten != nil {
				v.canonical.onFlatten()
			}
		}
	}
	return len(applied), nil
}

// RewindUpdatesUpTo rewinds this version to the state it had when its
// root was r, draining every entry applied after that point and
// prepending the drained suffix onto diffTarget's diff (updating
// diffTarget's ref_state to this version's new tip).
//
// diffTarget is ordinarily this version's successor (the general rewind
// contract). Latest has no successor, so SyncTreeStateWithDb passes
// Batching explicitly when rewinding Latest; see the rewind/ref_state
// open question in DESIGN.md. Because that call names Batching (order 2)
// as diffTarget while v is Latest (order 3), diffTarget here can precede
// v in the canonical chain -- the opposite of ApplyUpdatesUpTo, which
// always locks v before v.next. Locking strictly by order (lower first)
// regardless of which parameter is "v" keeps every caller on the single
// global acquisition order the chain's mutexes require.
func (v *TreeVersion) RewindUpdatesUpTo(r field.Element, diffTarget *TreeVersion) (int, error) {
	diffTargetFirst := diffTarget != nil && diffTarget.order < v.order
	if diffTargetFirst {
		diffTarget.mu.Lock()
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	defer func() {
		if diffTargetFirst {
			diffTarget.mu.Unlock()
		}
	}()

	if v.derived == nil {
		return 0, sequencererr.New(sequencererr.KindInfrastructure, "rewind_updates_up_to: canonical version cannot rewind")
	}

	var drained []AppliedTreeUpdate
	if field.Equal(v.derived.refState.tree.Root(), r) {
		drained = v.derived.diff
		v.state = v.derived.refState
		v.derived.diff = nil
	} else {
		pos := -1
		for i, entry := range v.derived.diff {
			if field.Equal(entry.PostState.tree.Root(), r) {
				pos = i
				break
			}
		}
		if pos == -1 {
			return 0, sequencererr.New(sequencererr.KindInfrastructure, "rewind_updates_up_to: root not found in diff")
		}
		drained = append([]AppliedTreeUpdate{}, v.derived.diff[pos+1:]...)
		v.state = v.derived.diff[pos].PostState
		v.derived.diff = v.derived.diff[:pos+1]
	}

	if len(drained) == 0 {
		return 0, nil
	}

	if diffTarget != nil {
		if !diffTargetFirst {
			diffTarget.mu.Lock()
		}
		diffTarget.derived.diff = append(append([]AppliedTreeUpdate{}, drained...), diffTarget.derived.diff...)
		diffTarget.derived.refState = v.state
		if !diffTargetFirst {
			diffTarget.mu.Unlock()
		}
	}

	if v.canonical != nil {
		flattenAndRebuild(v)
		if v.canonical.onFlatten != nil {
			v.canonical.onFlatten()
		}
	}
	return len(drained), nil
}

// UpdateWitness pairs a diff entry with the tree as it stood immediately
// before that update, so ProcessBatches can recompute Merkle siblings for
// a committed batch without re-deriving historical tree state.
type UpdateWitness struct {
	Update  TreeUpdate
	PreTree *Tree
}

// WitnessRange returns this version's own diff entries whose post-root
// falls strictly after prevRoot (or from the start, if prevRoot is nil)
// up to and including nextRoot, each paired with its pre-update tree.
// ProcessBatches calls this on Batching, whose own diff accumulates the
// entries ApplyUpdatesUpTo records as CreateBatches advances it.
func (v *TreeVersion) WitnessRange(prevRoot *field.Element, nextRoot field.Element) ([]UpdateWitness, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.derived == nil {
		return nil, sequencererr.New(sequencererr.KindInfrastructure, "witness_range: canonical version has no diff")
	}

	start := 0
	preTree := v.derived.refState.tree
	if prevRoot != nil {
		found := false
		for i, e := range v.derived.diff {
			if field.Equal(e.PostState.tree.Root(), *prevRoot) {
				start = i + 1
				preTree = e.PostState.tree
				found = true
				break
			}
		}
		if !found {
			return nil, sequencererr.New(sequencererr.KindInfrastructure, "witness_range: prev root not found in diff")
		}
	}

	var out []UpdateWitness
	for i := start; i < len(v.derived.diff); i++ {
		entry := v.derived.diff[i]
		out = append(out, UpdateWitness{Update: entry.Update, PreTree: preTree})
		preTree = entry.PostState.tree
		if field.Equal(entry.PostState.tree.Root(), nextRoot) {
			return out, nil
		}
	}
	return nil, sequencererr.New(sequencererr.KindInfrastructure, "witness_range: next root not found in diff")
}

// sortByLeafIndexAscending sorts update leaf indices ascending, required
// before simulating a batch of deletions so the resulting post-roots are
// unique (see ModifyTree's deletion sub-flow).
func sortByLeafIndexAscending(indices []uint64) {
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
}
