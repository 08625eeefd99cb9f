package manager

import "sepabroker/internal/rdf"

// FilterMode selects how update() narrows the set of SPUs a barrier
// dispatches to, via the filter_mode configuration option.
type FilterMode string

const (
	// FilterAll returns every live SPU -- the correctness-preserving
	// default.
	FilterAll FilterMode = "all"
	// FilterLUT applies a conservative graph-URI-intersection filter.
	FilterLUT FilterMode = "lut"
)

// UpdateRequest carries a SPARQL update plus its graph scope and the
// identity of the principal issuing it.
type UpdateRequest struct {
	Text        string
	UsingGraphs []string
	UsingNamed  []string
	Principal   string
}

// UpdateResponse is the successful result of Manager.Update.
type UpdateResponse struct {
	Body string
}

// SubscribeRequest describes a predicate to subscribe to.
type SubscribeRequest struct {
	QueryText     string
	DefaultGraphs []string
	NamedGraphs   []string
	Alias         string
	GID           string
	Principal     string
}

// SubscribeResponse is the successful result of Manager.Subscribe.
type SubscribeResponse struct {
	SID             string
	SPUID           string
	Alias           string
	InitialBindings []rdf.Binding
}

// UnsubscribeResponse is the successful result of Manager.Unsubscribe.
type UnsubscribeResponse struct {
	SID string
}

// DependabilityNotifier models the external collaborator Manager.Unsubscribe
// notifies on a clean unsubscribe; KillSubscription
// deliberately skips it, since it exists for gateway-initiated teardown
// where the connection is already known to be dead.
type DependabilityNotifier interface {
	SubscriberRemoved(sid, gid, spuid string)
}
