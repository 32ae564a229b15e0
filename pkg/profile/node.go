// Package profile holds sampled call trees and their merge.
//
// A Node's SampleCount is the number of samples whose stack passes through
// it, so a parent's count is never smaller than the sum of its children's.
// Children are matched by their full frame label.
package profile

// SyntheticRootFrame labels the sentinel root that independent profiles
// are merged under.
const SyntheticRootFrame = "<root>"

// Node is one frame in a call tree.
type Node struct {
	Frame       string
	SampleCount int64

	children []*Node
	index    map[string]int
}

// NewSyntheticRoot returns an empty sentinel root.
func NewSyntheticRoot() *Node {
	return &Node{Frame: SyntheticRootFrame}
}

// Child returns the child labelled frame, or nil.
func (n *Node) Child(frame string) *Node {
	i, ok := n.index[frame]
	if !ok {
		return nil
	}
	return n.children[i]
}

// ChildOrCreate returns the child labelled frame, adding it if missing.
func (n *Node) ChildOrCreate(frame string) *Node {
	if c := n.Child(frame); c != nil {
		return c
	}
	c := &Node{Frame: frame}
	n.attach(c)
	return c
}

// Children returns the children in first-seen order. The slice is shared.
func (n *Node) Children() []*Node {
	return n.children
}

// IsLeaf reports whether n is a sampled stack bottom.
func (n *Node) IsLeaf() bool {
	return len(n.children) == 0
}

func (n *Node) attach(c *Node) {
	if n.index == nil {
		n.index = make(map[string]int)
	}
	n.index[c.Frame] = len(n.children)
	n.children = append(n.children, c)
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	c := &Node{Frame: n.Frame, SampleCount: n.SampleCount}
	for _, child := range n.children {
		c.attach(child.Clone())
	}
	return c
}

// TotalSamples is the number of samples in the tree rooted at n.
func (n *Node) TotalSamples() int64 {
	return n.SampleCount
}

// AddStack records count samples of a root-first stack under n.
func (n *Node) AddStack(stack []string, count int64) {
	if count <= 0 || len(stack) == 0 {
		return
	}
	n.SampleCount += count
	cur := n
	for _, frame := range stack {
		cur = cur.ChildOrCreate(frame)
		cur.SampleCount += count
	}
}

// MergeInto adds source's samples into target, matching children by frame
// label and deep copying unmatched subtrees.
func MergeInto(target, source *Node) {
	target.SampleCount += source.SampleCount
	for _, sc := range source.children {
		tc := target.Child(sc.Frame)
		if tc == nil {
			target.attach(sc.Clone())
			continue
		}
		MergeInto(tc, sc)
	}
}

// Equal reports whether a and b hold the same frames and counts, ignoring
// child order.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Frame != b.Frame || a.SampleCount != b.SampleCount || len(a.children) != len(b.children) {
		return false
	}
	for _, ac := range a.children {
		if !Equal(ac, b.Child(ac.Frame)) {
			return false
		}
	}
	return true
}
