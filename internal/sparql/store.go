package sparql

import (
	"sync"

	"sepabroker/internal/rdf"
)

// TripleStore is a mutable, in-memory single-default-graph fact base.
// It is the evaluation target for Query/Update and backs
// internal/endpoint's MemEndpoint.
type TripleStore struct {
	mu      sync.RWMutex
	triples map[string]rdf.Triple
}

// NewTripleStore returns an empty store.
func NewTripleStore() *TripleStore {
	return &TripleStore{triples: make(map[string]rdf.Triple)}
}

// Insert adds triples to the store, ignoring ones already present.
func (s *TripleStore) Insert(triples []rdf.Triple) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range triples {
		s.triples[t.Key()] = t
	}
}

// Delete removes triples from the store; triples absent from the store are
// ignored.
func (s *TripleStore) Delete(triples []rdf.Triple) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range triples {
		delete(s.triples, t.Key())
	}
}

// Snapshot returns a copy of every triple currently in the store.
func (s *TripleStore) Snapshot() []rdf.Triple {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rdf.Triple, 0, len(s.triples))
	for _, t := range s.triples {
		out = append(out, t)
	}
	return out
}

// Eval evaluates q's basic graph pattern against the store via a
// nested-loop join, returning one binding per distinct match of the
// pattern, projected onto q.Variables and collapsed to set semantics.
func (s *TripleStore) Eval(q Query) rdf.BindingSet {
	s.mu.RLock()
	facts := make([]rdf.Triple, 0, len(s.triples))
	for _, t := range s.triples {
		facts = append(facts, t)
	}
	s.mu.RUnlock()

	bindings := []rdf.Binding{{}}
	for _, pattern := range q.Pattern {
		var next []rdf.Binding
		for _, partial := range bindings {
			for _, fact := range facts {
				extended, ok := matchTriple(pattern, fact, partial)
				if ok {
					next = append(next, extended)
				}
			}
		}
		bindings = next
		if len(bindings) == 0 {
			break
		}
	}

	rows := make([]rdf.Binding, 0, len(bindings))
	for _, b := range bindings {
		rows = append(rows, projectVariables(b, q.Variables))
	}
	return rdf.NewBindingSet(rows)
}

func projectVariables(b rdf.Binding, vars []string) rdf.Binding {
	out := make(rdf.Binding, len(vars))
	for _, v := range vars {
		if term, ok := b[v]; ok {
			out[v] = term
		}
	}
	return out
}

// matchTriple attempts to extend partial with the bindings pattern implies
// against fact, returning the extended binding and whether the match holds
// (respecting any variable bindings already fixed in partial).
func matchTriple(pattern TriplePattern, fact rdf.Triple, partial rdf.Binding) (rdf.Binding, bool) {
	extended := cloneBinding(partial)
	if !unify(pattern.Subject, fact.Subject, extended) {
		return nil, false
	}
	if !unify(pattern.Predicate, fact.Predicate, extended) {
		return nil, false
	}
	if !unify(pattern.Object, fact.Object, extended) {
		return nil, false
	}
	return extended, true
}

func unify(slot PatternTerm, value rdf.Term, binding rdf.Binding) bool {
	if slot.Bound() {
		return slot.Term.Equal(value)
	}
	if existing, ok := binding[slot.Variable]; ok {
		return existing.Equal(value)
	}
	binding[slot.Variable] = value
	return true
}

func cloneBinding(b rdf.Binding) rdf.Binding {
	out := make(rdf.Binding, len(b)+1)
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Apply applies an already-parsed Update to the store.
func (s *TripleStore) Apply(u Update) {
	switch u.Kind {
	case UpdateInsertData:
		s.Insert(u.Triples)
	case UpdateDeleteData:
		s.Delete(u.Triples)
	}
}
