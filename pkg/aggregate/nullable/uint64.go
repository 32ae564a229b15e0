// Package nullable has value types that can be unset, for counters that
// are not measured on every platform.
package nullable

import (
	"strconv"
)

// Uint64 is a uint64 that may be null. The zero value is null.
type Uint64 struct {
	value uint64
	valid bool
}

// Null returns an unset value.
func Null() Uint64 {
	return Uint64{}
}

// Of returns a set value.
func Of(v uint64) Uint64 {
	return Uint64{value: v, valid: true}
}

// FromPtr converts a pointer, nil meaning null.
func FromPtr(p *uint64) Uint64 {
	if p == nil {
		return Null()
	}
	return Of(*p)
}

// Valid reports whether the value is set.
func (n Uint64) Valid() bool {
	return n.valid
}

// Value returns the value and whether it is set.
func (n Uint64) Value() (uint64, bool) {
	return n.value, n.valid
}

// Or returns the value, or def when null.
func (n Uint64) Or(def uint64) uint64 {
	if !n.valid {
		return def
	}
	return n.value
}

// Ptr converts to a pointer, nil meaning null.
func (n Uint64) Ptr() *uint64 {
	if !n.valid {
		return nil
	}
	v := n.value
	return &v
}

// Add sums two values. Null plus null is null; null plus a value is that
// value.
func (n Uint64) Add(o Uint64) Uint64 {
	switch {
	case !n.valid:
		return o
	case !o.valid:
		return n
	default:
		return Of(n.value + o.value)
	}
}

func (n Uint64) String() string {
	if !n.valid {
		return "null"
	}
	return strconv.FormatUint(n.value, 10)
}

// MarshalJSON renders null or a number.
func (n Uint64) MarshalJSON() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalJSON accepts null or a non-negative integer.
func (n *Uint64) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*n = Null()
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*n = Of(v)
	return nil
}
