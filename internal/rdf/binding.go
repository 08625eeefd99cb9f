package rdf

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Binding maps a query's projected variables to the terms a single result
// row bound them to.
type Binding map[string]Term

// Equal reports whether two bindings assign the same terms to the same
// variable set.
func (b Binding) Equal(other Binding) bool {
	if len(b) != len(other) {
		return false
	}
	for k, v := range b {
		ov, ok := other[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// key returns a canonical, collision-free string for this binding, used both
// as a BindingSet map key and as fingerprint/diff input.
func (b Binding) key() string {
	vars := make([]string, 0, len(b))
	for k := range b {
		vars = append(vars, k)
	}
	sort.Strings(vars)
	h := sha256.New()
	for _, v := range vars {
		h.Write([]byte(v))
		h.Write([]byte{0})
		h.Write([]byte(b[v].canonicalKey()))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BindingSet is a set of Bindings keyed by canonical hash, giving O(1)
// average membership and set-difference.
type BindingSet struct {
	rows map[string]Binding
}

// NewBindingSet builds a BindingSet from a slice of bindings, collapsing
// duplicates.
func NewBindingSet(rows []Binding) BindingSet {
	set := BindingSet{rows: make(map[string]Binding, len(rows))}
	for _, r := range rows {
		set.rows[r.key()] = r
	}
	return set
}

// Len reports the number of distinct bindings in the set.
func (s BindingSet) Len() int {
	return len(s.rows)
}

// Contains reports whether an equivalent binding is present.
func (s BindingSet) Contains(b Binding) bool {
	_, ok := s.rows[b.key()]
	return ok
}

// Rows returns the bindings in the set in no particular order.
func (s BindingSet) Rows() []Binding {
	out := make([]Binding, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	return out
}

// Difference returns the bindings present in s but not in other --
// `s \ other` using set difference over binding tuples.
func (s BindingSet) Difference(other BindingSet) []Binding {
	out := make([]Binding, 0)
	for k, r := range s.rows {
		if _, ok := other.rows[k]; !ok {
			out = append(out, r)
		}
	}
	return out
}
