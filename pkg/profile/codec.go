package profile

import (
	"bytes"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Overwritten is stored in place of a profile that retention has removed.
// It can never be valid JSON, so it never collides with a real profile.
var Overwritten = []byte("\x00OVERWRITTEN")

// ErrOverwritten is returned by Decode for the Overwritten marker. It means
// the data is gone, not that it is corrupt.
var ErrOverwritten = errors.New("profile: overwritten")

// IsOverwritten reports whether data is the Overwritten marker.
func IsOverwritten(data []byte) bool {
	return bytes.Equal(data, Overwritten)
}

// DecodeError reports a profile that could not be parsed.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("profile: decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type wireNode struct {
	Frame    string      `json:"frame"`
	Samples  int64       `json:"samples"`
	Children []*wireNode `json:"children,omitempty"`
}

const maxDepth = 2048

func toWire(n *Node) *wireNode {
	w := &wireNode{Frame: n.Frame, Samples: n.SampleCount}
	for _, c := range n.children {
		w.Children = append(w.Children, toWire(c))
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
	if w.Samples < 0 {
		return nil, fmt.Errorf("frame %q: negative sample count", w.Frame)
	}
	n := &Node{Frame: w.Frame, SampleCount: w.Samples}
	for _, wc := range w.Children {
		c, err := fromWire(wc, depth+1)
		if err != nil {
			return nil, err
		}
		if n.Child(c.Frame) != nil {
			return nil, fmt.Errorf("frame %q: duplicate child %q", n.Frame, c.Frame)
		}
		n.attach(c)
	}
	return n, nil
}

// Encode serializes a call tree as JSON.
func Encode(n *Node) ([]byte, error) {
	if n == nil {
		return nil, errors.New("profile: encode nil tree")
	}
	return json.Marshal(toWire(n))
}

// MarshalJSON encodes n and its subtree.
func (n *Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(n))
}

// Decode parses a stored profile. A zero-length buffer is a valid profile
// with no samples. The Overwritten marker yields ErrOverwritten; anything
// else that does not parse is a *DecodeError.
func Decode(data []byte) (*Node, error) {
	if len(data) == 0 {
		return NewSyntheticRoot(), nil
	}
	if IsOverwritten(data) {
		return nil, ErrOverwritten
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

// UnmarshalJSON replaces n with the decoded tree.
func (n *Node) UnmarshalJSON(data []byte) error {
	var w *wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return &DecodeError{Err: err}
	}
	decoded, err := fromWire(w, 0)
	if err != nil {
		return &DecodeError{Err: err}
	}
	*n = *decoded
	return nil
}
