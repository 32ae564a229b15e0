package profile

import (
	"fmt"

	"github.com/google/pprof/profile"
)

// FromStacks builds a call tree from root-first stacks. counts[i] is the
// number of samples of stacks[i]; a nil counts slice means one each.
func FromStacks(stacks [][]string, counts []int64) (*Node, error) {
	if counts != nil && len(counts) != len(stacks) {
		return nil, fmt.Errorf("profile: %d stacks but %d counts", len(stacks), len(counts))
	}
	root := NewSyntheticRoot()
	for i, stack := range stacks {
		c := int64(1)
		if counts != nil {
			c = counts[i]
		}
		root.AddStack(stack, c)
	}
	return root, nil
}

// FromPprof folds every sample of p into a call tree, weighting each by
// its value at sampleIndex (the sample count for CPU profiles).
func FromPprof(p *profile.Profile, sampleIndex int) (*Node, error) {
	if sampleIndex < 0 || sampleIndex >= len(p.SampleType) {
		return nil, fmt.Errorf("profile: sample index %d out of range (%d types)", sampleIndex, len(p.SampleType))
	}
	root := NewSyntheticRoot()
	var stack []string
	for _, s := range p.Sample {
		if sampleIndex >= len(s.Value) {
			continue
		}
		// pprof lists the leaf location first and, within a location,
		// the innermost inlined line first.
		stack = stack[:0]
		for i := len(s.Location) - 1; i >= 0; i-- {
			stack = appendFrames(stack, s.Location[i])
		}
		root.AddStack(stack, s.Value[sampleIndex])
	}
	return root, nil
}

// SplitByLabel folds the samples of p into one call tree per value of the
// string label key. Samples without the label go into the unlabelled tree.
func SplitByLabel(p *profile.Profile, sampleIndex int, key string) (map[string]*Node, *Node, error) {
	if sampleIndex < 0 || sampleIndex >= len(p.SampleType) {
		return nil, nil, fmt.Errorf("profile: sample index %d out of range (%d types)", sampleIndex, len(p.SampleType))
	}
	byLabel := make(map[string]*Node)
	unlabelled := NewSyntheticRoot()
	var stack []string
	for _, s := range p.Sample {
		if sampleIndex >= len(s.Value) {
			continue
		}
		stack = stack[:0]
		for i := len(s.Location) - 1; i >= 0; i-- {
			stack = appendFrames(stack, s.Location[i])
		}
		root := unlabelled
		if values := s.Label[key]; len(values) > 0 {
			root = byLabel[values[0]]
			if root == nil {
				root = NewSyntheticRoot()
				byLabel[values[0]] = root
			}
		}
		root.AddStack(stack, s.Value[sampleIndex])
	}
	return byLabel, unlabelled, nil
}

// SampleIndex returns the index of the named sample type, such as
// "samples" in a Go CPU profile, or -1.
func SampleIndex(p *profile.Profile, typ string) int {
	for i, st := range p.SampleType {
		if st.Type == typ {
			return i
		}
	}
	return -1
}

func appendFrames(stack []string, loc *profile.Location) []string {
	if len(loc.Line) == 0 {
		return append(stack, fmt.Sprintf("0x%x", loc.Address))
	}
	for i := len(loc.Line) - 1; i >= 0; i-- {
		name := "?"
		if fn := loc.Line[i].Function; fn != nil && fn.Name != "" {
			name = fn.Name
		}
		stack = append(stack, name)
	}
	return stack
}
