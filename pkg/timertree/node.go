// Package timertree holds rollup timer trees: the per-name timing totals of
// many completed traces, keyed by nesting path, and the merge that combines
// them across time buckets.
package timertree

import (
	"math"
	"time"
)

// SyntheticRootName is the name of the sentinel node every tree hangs from.
const SyntheticRootName = "<root>"

// Node is one named operation in a timer tree. Durations are nanoseconds.
// Children are matched by name; their order is the order names were first
// seen and carries no meaning beyond display.
type Node struct {
	Name  string
	Total int64
	Min   int64
	Max   int64
	Count int64

	children []*Node
	index    map[string]int
}

// New creates an empty node.
func New(name string) *Node {
	return &Node{Name: name}
}

// NewSyntheticRoot returns an empty sentinel root.
func NewSyntheticRoot() *Node {
	return New(SyntheticRootName)
}

// IsSyntheticRoot reports whether n is a sentinel root.
func (n *Node) IsSyntheticRoot() bool {
	return n.Name == SyntheticRootName
}

// Record folds count completed intervals with the given total, min and max
// into n. Calls with count <= 0 are ignored. Total and Count saturate at
// math.MaxInt64 instead of wrapping.
func (n *Node) Record(total, min, max, count int64) {
	if count <= 0 {
		return
	}
	if n.Count == 0 {
		n.Min, n.Max = min, max
	} else {
		if min < n.Min {
			n.Min = min
		}
		if max > n.Max {
			n.Max = max
		}
	}
	n.Total = addSaturating(n.Total, total)
	n.Count = addSaturating(n.Count, count)
}

func addSaturating(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// RecordDuration folds a single interval into n.
func (n *Node) RecordDuration(d time.Duration) {
	v := int64(d)
	n.Record(v, v, v, 1)
}

// Child returns the child with the given name, or nil.
func (n *Node) Child(name string) *Node {
	i, ok := n.index[name]
	if !ok {
		return nil
	}
	return n.children[i]
}

// ChildOrCreate returns the child with the given name, adding an empty one
// if it does not exist yet.
func (n *Node) ChildOrCreate(name string) *Node {
	if c := n.Child(name); c != nil {
		return c
	}
	c := New(name)
	n.attach(c)
	return c
}

// Children returns the children in first-seen order. The slice is shared;
// callers must not modify it.
func (n *Node) Children() []*Node {
	return n.children
}

func (n *Node) attach(c *Node) {
	if n.index == nil {
		n.index = make(map[string]int)
	}
	n.index[c.Name] = len(n.children)
	n.children = append(n.children, c)
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	c := &Node{Name: n.Name, Total: n.Total, Min: n.Min, Max: n.Max, Count: n.Count}
	for _, child := range n.children {
		c.attach(child.Clone())
	}
	return c
}

// Walk calls fn for n and every descendant, depth first, with the path of
// names from n down to the visited node. Returning false from fn skips the
// node's subtree. Each call gets its own path slice, so fn may keep it.
func (n *Node) Walk(fn func(path []string, node *Node) bool) {
	n.walk(nil, fn)
}

func (n *Node) walk(parent []string, fn func([]string, *Node) bool) {
	path := make([]string, len(parent)+1)
	copy(path, parent)
	path[len(parent)] = n.Name
	if !fn(path, n) {
		return
	}
	for _, c := range n.children {
		c.walk(path, fn)
	}
}

// Equal reports whether a and b hold the same values at every node.
// Child order is ignored.
func Equal(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Name != b.Name || a.Total != b.Total || a.Count != b.Count ||
		a.Min != b.Min || a.Max != b.Max || len(a.children) != len(b.children) {
		return false
	}
	for _, ac := range a.children {
		if !Equal(ac, b.Child(ac.Name)) {
			return false
		}
	}
	return true
}
