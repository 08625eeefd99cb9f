// Package endpoint defines the collaborator internal/spu and
// internal/manager depend on to evaluate predicates and apply updates,
// without caring whether the RDF store lives in-process or behind a
// SPARQL 1.1 Protocol HTTP endpoint.
package endpoint

import (
	"context"
	"errors"

	"sepabroker/internal/rdf"
	"sepabroker/internal/sparql"
)

// ErrAuth marks an endpoint response that rejected the broker's
// credentials; callers detect it with errors.Is rather than matching
// message text.
var ErrAuth = errors.New("endpoint: authentication rejected")

// UpdateResult captures the outcome of applying an Update, whether
// success or error; post-barrier processing consumes it either way.
type UpdateResult struct {
	Succeeded bool
	Body      string
	Err       error
}

// Endpoint is the narrow capability SPUs and the Manager use to reach the
// backing RDF store: evaluate a query, or apply an update.
type Endpoint interface {
	// Query evaluates q and returns the resulting binding set.
	Query(ctx context.Context, q sparql.Query) (rdf.BindingSet, error)
	// Update applies u and reports the outcome; a non-nil error does not
	// necessarily mean Succeeded is false (network errors surface both).
	Update(ctx context.Context, u sparql.Update) UpdateResult
}
