package sparql

import (
	"testing"

	"sepabroker/internal/rdf"
)

func mustParseSelect(t *testing.T, text string) Query {
	t.Helper()
	q, err := ParseSelect(text, nil, nil)
	if err != nil {
		t.Fatalf("ParseSelect(%q): %v", text, err)
	}
	return q
}

// Walks a store through subscribe, insert, and delete, checking the
// evaluated bindings at each step.
func TestInsertDeleteEvaluation(t *testing.T) {
	store := NewTripleStore()
	store.Insert([]rdf.Triple{{
		Subject:   rdf.IRI("urn:a"),
		Predicate: rdf.IRI("urn:p"),
		Object:    rdf.Literal("1", "http://www.w3.org/2001/XMLSchema#integer", ""),
	}})

	query := mustParseSelect(t, "SELECT ?x WHERE { ?x <urn:p> ?v }")

	pre := store.Eval(query)
	if pre.Len() != 1 || !pre.Contains(rdf.Binding{"x": rdf.IRI("urn:a")}) {
		t.Fatalf("S1: expected initial snapshot [{x=urn:a}], got %v", pre.Rows())
	}

	insert, err := ParseUpdate(
		`INSERT DATA { <urn:b> <urn:p> "2"^^<http://www.w3.org/2001/XMLSchema#integer> }`,
		nil, nil, "urn:principal:test",
	)
	if err != nil {
		t.Fatalf("ParseUpdate insert: %v", err)
	}
	store.Apply(insert)

	postInsert := store.Eval(query)
	added := postInsert.Difference(pre)
	removed := pre.Difference(postInsert)
	if len(added) != 1 || !added[0].Equal(rdf.Binding{"x": rdf.IRI("urn:b")}) {
		t.Fatalf("S2: expected Added [{x=urn:b}], got %v", added)
	}
	if len(removed) != 0 {
		t.Fatalf("S2: expected no Removed, got %v", removed)
	}

	del, err := ParseUpdate(
		`DELETE DATA { <urn:a> <urn:p> "1"^^<http://www.w3.org/2001/XMLSchema#integer> }`,
		nil, nil, "urn:principal:test",
	)
	if err != nil {
		t.Fatalf("ParseUpdate delete: %v", err)
	}
	store.Apply(del)

	postDelete := store.Eval(query)
	removed2 := postInsert.Difference(postDelete)
	if len(removed2) != 1 || !removed2[0].Equal(rdf.Binding{"x": rdf.IRI("urn:a")}) {
		t.Fatalf("S3: expected Removed [{x=urn:a}], got %v", removed2)
	}
}

func TestParseSelectRejectsUnsupportedShapes(t *testing.T) {
	if _, err := ParseSelect("SELECT * WHERE { ?x ?p ?o }", nil, nil); err == nil {
		t.Fatalf("expected SELECT * to be rejected")
	}
	if _, err := ParseSelect("DESCRIBE ?x", nil, nil); err == nil {
		t.Fatalf("expected non-SELECT query to be rejected")
	}
	if _, err := ParseSelect("SELECT ?x WHERE ?x <p> ?o", nil, nil); err == nil {
		t.Fatalf("expected missing brace group to be rejected")
	}
}

func TestParseUpdateRejectsUnsupportedForms(t *testing.T) {
	if _, err := ParseUpdate("CLEAR GRAPH <urn:g>", nil, nil, ""); err == nil {
		t.Fatalf("expected CLEAR GRAPH to be rejected")
	}
	if _, err := ParseUpdate("INSERT DATA { <urn:a> <urn:p> ?x }", nil, nil, ""); err == nil {
		t.Fatalf("expected variable in ground-triple data block to be rejected")
	}
}

func TestEvalJoinsAcrossMultiplePatterns(t *testing.T) {
	store := NewTripleStore()
	store.Insert([]rdf.Triple{
		{Subject: rdf.IRI("urn:a"), Predicate: rdf.IRI("urn:type"), Object: rdf.IRI("urn:Widget")},
		{Subject: rdf.IRI("urn:a"), Predicate: rdf.IRI("urn:label"), Object: rdf.Literal("Alpha", "", "")},
		{Subject: rdf.IRI("urn:b"), Predicate: rdf.IRI("urn:type"), Object: rdf.IRI("urn:Gadget")},
	})

	q := mustParseSelect(t, "SELECT ?s ?label WHERE { ?s <urn:type> <urn:Widget> . ?s <urn:label> ?label }")
	result := store.Eval(q)
	if result.Len() != 1 {
		t.Fatalf("expected exactly one join result, got %d", result.Len())
	}
	if !result.Contains(rdf.Binding{"s": rdf.IRI("urn:a"), "label": rdf.Literal("Alpha", "", "")}) {
		t.Fatalf("expected {s=urn:a, label=Alpha}, got %v", result.Rows())
	}
}
