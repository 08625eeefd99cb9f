package rdf

import "testing"

func TestTermEquality(t *testing.T) {
	a := IRI("urn:a")
	b := IRI("urn:a")
	c := IRI("urn:b")
	if !a.Equal(b) {
		t.Fatalf("expected identical IRIs to compare equal")
	}
	if a.Equal(c) {
		t.Fatalf("expected distinct IRIs to compare unequal")
	}

	l1 := Literal("1", "http://www.w3.org/2001/XMLSchema#integer", "")
	l2 := Literal("1", "http://www.w3.org/2001/XMLSchema#integer", "")
	l3 := Literal("1", "http://www.w3.org/2001/XMLSchema#decimal", "")
	if !l1.Equal(l2) {
		t.Fatalf("expected identical typed literals to compare equal")
	}
	if l1.Equal(l3) {
		t.Fatalf("expected literals with different datatypes to compare unequal")
	}

	bn1 := BlankNode("x1")
	bn2 := BlankNode("x1")
	if !bn1.Equal(bn2) {
		t.Fatalf("expected identically labeled blank nodes to compare equal")
	}
	if bn1.Equal(IRI("x1")) {
		t.Fatalf("blank node must not equal an IRI sharing its label")
	}
}

func TestBindingEquality(t *testing.T) {
	b1 := Binding{"x": IRI("urn:a")}
	b2 := Binding{"x": IRI("urn:a")}
	b3 := Binding{"x": IRI("urn:b")}
	b4 := Binding{"x": IRI("urn:a"), "y": IRI("urn:b")}

	if !b1.Equal(b2) {
		t.Fatalf("expected identical bindings to compare equal")
	}
	if b1.Equal(b3) {
		t.Fatalf("expected bindings with different terms to compare unequal")
	}
	if b1.Equal(b4) {
		t.Fatalf("expected bindings with different variable sets to compare unequal")
	}
}

func TestBindingSetDeduplicates(t *testing.T) {
	rows := []Binding{
		{"x": IRI("urn:a")},
		{"x": IRI("urn:a")},
		{"x": IRI("urn:b")},
	}
	set := NewBindingSet(rows)
	if set.Len() != 2 {
		t.Fatalf("expected duplicates to collapse, got %d rows", set.Len())
	}
	if !set.Contains(Binding{"x": IRI("urn:a")}) {
		t.Fatalf("expected set to contain {x=urn:a}")
	}
}

func TestBindingSetDifference(t *testing.T) {
	pre := NewBindingSet([]Binding{
		{"x": IRI("urn:a")},
	})
	post := NewBindingSet([]Binding{
		{"x": IRI("urn:a")},
		{"x": IRI("urn:b")},
	})

	added := post.Difference(pre)
	if len(added) != 1 || !added[0].Equal(Binding{"x": IRI("urn:b")}) {
		t.Fatalf("expected added = [{x=urn:b}], got %v", added)
	}

	removed := pre.Difference(post)
	if len(removed) != 0 {
		t.Fatalf("expected no removed bindings, got %v", removed)
	}
}

func TestComputeFingerprintIgnoresWhitespaceAndOrder(t *testing.T) {
	fp1 := ComputeFingerprint("SELECT ?x WHERE { ?x  <p> ?v }", []string{"urn:g1", "urn:g2"}, nil)
	fp2 := ComputeFingerprint("SELECT ?x WHERE { ?x <p> ?v }", []string{"urn:g2", "urn:g1"}, nil)
	if fp1 != fp2 {
		t.Fatalf("expected fingerprints to match modulo whitespace/graph ordering: %s vs %s", fp1, fp2)
	}

	fp3 := ComputeFingerprint("SELECT ?x WHERE { ?x <p> ?v }", []string{"urn:g1"}, nil)
	if fp1 == fp3 {
		t.Fatalf("expected distinct graph sets to produce distinct fingerprints")
	}
}

func TestComputeFingerprintExcludesAliasAndPrincipal(t *testing.T) {
	// Fingerprint is computed purely from query text + graph sets; callers
	// must not pass alias/principal into it at all.
	fp1 := ComputeFingerprint("SELECT ?x WHERE { ?x <p> ?v }", nil, nil)
	fp2 := ComputeFingerprint("SELECT ?x WHERE { ?x <p> ?v }", nil, nil)
	if fp1 != fp2 {
		t.Fatalf("expected deterministic fingerprint for identical inputs")
	}
}
