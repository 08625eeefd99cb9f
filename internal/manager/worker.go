package manager

import (
	"context"

	"sepabroker/internal/endpoint"
	"sepabroker/internal/fanout"
	"sepabroker/internal/rdf"
	"sepabroker/internal/sparql"
)

// spuWorker is the barrier-participation surface the Manager depends on.
// *spu.SPU satisfies it; tests substitute fakes (e.g. one whose
// PreUpdateProcessing sleeps) to exercise timeout behavior without a real
// slow endpoint.
type spuWorker interface {
	SPUID() string
	Fingerprint() rdf.Fingerprint
	DefaultGraphs() []string
	NamedGraphs() []string
	LastBindings() rdf.BindingSet
	InitialSnapshotSequence() uint64
	PreUpdateProcessing(u sparql.Update, gen uint64)
	PostUpdateProcessing(ctx context.Context, result endpoint.UpdateResult, gen uint64)
	Finish(reason string) fanout.Notification
}
