package endpoint

import (
	"context"

	"sepabroker/internal/rdf"
	"sepabroker/internal/sparql"
)

// MemEndpoint is an in-process RDF store. It is the default endpoint and
// backs every test in this repository as a real, runnable collaborator
// rather than a mock.
type MemEndpoint struct {
	store *sparql.TripleStore
}

// NewMemEndpoint constructs an empty in-process endpoint.
func NewMemEndpoint() *MemEndpoint {
	return &MemEndpoint{store: sparql.NewTripleStore()}
}

// Query evaluates q against the in-process triple store.
func (e *MemEndpoint) Query(_ context.Context, q sparql.Query) (rdf.BindingSet, error) {
	return e.store.Eval(q), nil
}

// Update applies u to the in-process triple store; it never fails.
func (e *MemEndpoint) Update(_ context.Context, u sparql.Update) UpdateResult {
	e.store.Apply(u)
	return UpdateResult{Succeeded: true, Body: "ok"}
}

// Store exposes the backing triple store directly, useful for test setup.
func (e *MemEndpoint) Store() *sparql.TripleStore {
	return e.store
}
