package timertree

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DecodeError reports a serialized tree that could not be parsed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("timertree: decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type wireNode struct {
	Name     string      `json:"name"`
	Total    int64       `json:"total"`
	Min      int64       `json:"min"`
	Max      int64       `json:"max"`
	Count    int64       `json:"count"`
	Children []*wireNode `json:"children,omitempty"`
}

func toWire(n *Node) *wireNode {
	w := &wireNode{Name: n.Name, Total: n.Total, Min: n.Min, Max: n.Max, Count: n.Count}
	if len(n.children) > 0 {
		w.Children = make([]*wireNode, len(n.children))
		for i, c := range n.children {
			w.Children[i] = toWire(c)
		}
	}
	return w
}

func fromWire(w *wireNode, depth int) (*Node, error) {
	if w == nil {
		return nil, errors.New("null node")
	}
	if depth > maxDepth {
		return nil, fmt.Errorf("tree deeper than %d", maxDepth)
	}
	if w.Name == "" {
		return nil, errors.New("node without name")
	}
	if w.Count < 0 || w.Total < 0 {
		return nil, fmt.Errorf("node %q: negative total or count", w.Name)
	}
	if w.Count > 0 && w.Min > w.Max {
		return nil, fmt.Errorf("node %q: min %d > max %d", w.Name, w.Min, w.Max)
	}
	n := &Node{Name: w.Name, Total: w.Total, Min: w.Min, Max: w.Max, Count: w.Count}
	for _, wc := range w.Children {
		c, err := fromWire(wc, depth+1)
		if err != nil {
			return nil, err
		}
		if n.Child(c.Name) != nil {
			return nil, fmt.Errorf("node %q: duplicate child %q", n.Name, c.Name)
		}
		n.attach(c)
	}
	return n, nil
}

const maxDepth = 512

// MarshalJSON encodes n and its subtree.
func (n *Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(n))
}

// UnmarshalJSON replaces n with the decoded tree.
func (n *Node) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*n = *decoded
	return nil
}

// Encode serializes a tree in its self-describing JSON form.
func Encode(n *Node) ([]byte, error) {
	if n == nil {
		return nil, errors.New("timertree: encode nil tree")
	}
	return json.Marshal(toWire(n))
}

// Decode parses a tree produced by Encode. Empty or malformed input is a
// *DecodeError, never an empty tree.
func Decode(data []byte) (*Node, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errors.New("zero-length input")}
	}
	var w *wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Err: err}
	}
	n, err := fromWire(w, 0)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return n, nil
}
