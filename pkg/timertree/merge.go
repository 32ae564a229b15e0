package timertree

// MergeInto adds source into target. At each node matched by name, totals
// and counts are summed and min/max combined; source subtrees with no
// matching target child are deep copied in. source is not modified and
// no node of source ends up shared with target.
func MergeInto(target, source *Node) {
	target.Record(source.Total, source.Min, source.Max, source.Count)
	for _, sc := range source.children {
		tc := target.Child(sc.Name)
		if tc == nil {
			target.attach(sc.Clone())
			continue
		}
		MergeInto(tc, sc)
	}
}

// Merge returns a new synthetic root holding the merge of all trees.
// Trees that are themselves synthetic roots contribute their children;
// any other tree is merged as a child of the new root.
func Merge(trees ...*Node) *Node {
	root := NewSyntheticRoot()
	for _, t := range trees {
		if t != nil {
			MergeUnderRoot(root, t)
		}
	}
	return root
}

// MergeUnderRoot merges tree into the synthetic root. A synthetic-root tree
// is merged node for node; any other tree is merged into the root's child
// of the same name.
func MergeUnderRoot(root, tree *Node) {
	if tree.IsSyntheticRoot() {
		MergeInto(root, tree)
		return
	}
	MergeInto(root.ChildOrCreate(tree.Name), tree)
}
