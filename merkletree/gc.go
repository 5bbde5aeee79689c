package merkletree

// flattenAndRebuild implements the canonical-only garbage collection
// protocol: once Mined's in-place update count reaches its flatten
// threshold, every successor's stored tree and every post_state.tree in
// its diff is rebuilt by replaying that successor's diff on top of
// Mined's current (already-flattened) tree. Because Tree.Update shares
// every untouched subtree with its receiver, every rebuilt successor tree
// now points back into Mined's storage instead of a stale predecessor
// snapshot, letting Go's garbage collector reclaim the superseded nodes.
//
// Callers must hold mined.mu; flattenAndRebuild takes and releases each
// successor's mutex in turn, holding at most two locks at once, matching
// the version chain's lock order.
func flattenAndRebuild(mined *TreeVersion) {
	base := mined.state
	cur := mined
	for cur.next != nil {
		succ := cur.next
		succ.mu.Lock()

		state := base
		newDiff := make([]AppliedTreeUpdate, len(succ.derived.diff))
		for i, entry := range succ.derived.diff {
			state = applyOne(state, entry.Update)
			newDiff[i] = AppliedTreeUpdate{Update: entry.Update, PostState: state}
		}
		succ.derived.refState = base
		succ.derived.diff = newDiff
		succ.state = state

		succ.mu.Unlock()
		base = state
		cur = succ
	}
}

func applyOne(s snapshot, u TreeUpdate) snapshot {
	s.tree = s.tree.Update(u.LeafIndex, u.Element)
	if !u.Element.IsZero() && u.LeafIndex+1 > s.nextLeaf {
		s.nextLeaf = u.LeafIndex + 1
	}
	s.lastSequenceID = u.SequenceID
	return s
}
