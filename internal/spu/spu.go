// Package spu implements the Subscription Processing Unit: one per distinct
// subscription predicate, owning the last-known result set and the diffing
// algorithm.
package spu

import (
	"context"
	"fmt"
	"sync"

	"sepabroker/internal/endpoint"
	"sepabroker/internal/fanout"
	"sepabroker/internal/rdf"
	"sepabroker/internal/sparql"
)

// State is a stage in the SPU lifecycle.
type State int

const (
	Initializing State = iota
	Idle
	PreProcessing
	AwaitingEndpoint
	PostProcessing
	Terminating
	Dead
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Idle:
		return "Idle"
	case PreProcessing:
		return "PreProcessing"
	case AwaitingEndpoint:
		return "AwaitingEndpoint"
	case PostProcessing:
		return "PostProcessing"
	case Terminating:
		return "Terminating"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// Completer is the narrow capability an SPU uses to report barrier
// completion and emit notifications back to the Manager without holding
// a reference to the Manager itself. gen is the barrier generation the
// call was dispatched under; the Manager uses it to ignore
// acknowledgements and notifications from barriers it has abandoned.
type Completer interface {
	EndOfProcessing(spuid string, gen uint64)
	ExceptionOnProcessing(spuid string, gen uint64)
	NotifyEvent(n fanout.Notification, gen uint64)
}

// Predicate is the immutable subscribe-request data an SPU was created
// from.
type Predicate struct {
	Query         sparql.Query
	DefaultGraphs []string
	NamedGraphs   []string
}

// SPU is one Subscription Processing Unit.
type SPU struct {
	mu sync.Mutex

	spuid       string
	fingerprint rdf.Fingerprint
	predicate   Predicate
	endpoint    endpoint.Endpoint
	completer   Completer

	state        State
	lastBindings rdf.BindingSet
	sequence     uint64
}

// New constructs an SPU in the Initializing state. Call Init before it
// participates in any barrier.
func New(spuid string, fp rdf.Fingerprint, predicate Predicate, ep endpoint.Endpoint, completer Completer) *SPU {
	return &SPU{
		spuid:       spuid,
		fingerprint: fp,
		predicate:   predicate,
		endpoint:    ep,
		completer:   completer,
		state:       Initializing,
	}
}

// SPUID satisfies registry.SPUHandle.
func (s *SPU) SPUID() string { return s.spuid }

// Fingerprint satisfies registry.SPUHandle.
func (s *SPU) Fingerprint() rdf.Fingerprint { return s.fingerprint }

// DefaultGraphs returns the predicate's default-graph URI list, used by the
// Manager's lut filter mode to decide whether an update can possibly affect
// this SPU.
func (s *SPU) DefaultGraphs() []string { return s.predicate.DefaultGraphs }

// NamedGraphs returns the predicate's named-graph URI list.
func (s *SPU) NamedGraphs() []string { return s.predicate.NamedGraphs }

// State returns the SPU's current lifecycle state.
func (s *SPU) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastBindings returns the most recently observed result set.
func (s *SPU) LastBindings() rdf.BindingSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBindings
}

// Init synchronously evaluates the predicate against the endpoint, seeds
// last_bindings, and transitions Initializing -> Idle. Failure leaves the
// SPU in Dead state; the caller (Manager.subscribe) must destroy it before
// registration.
func (s *SPU) Init(ctx context.Context) (rdf.BindingSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Initializing {
		return rdf.BindingSet{}, fmt.Errorf("spu: Init called from state %s", s.state)
	}

	bindings, err := s.endpoint.Query(ctx, s.predicate.Query)
	if err != nil {
		s.state = Dead
		return rdf.BindingSet{}, fmt.Errorf("spu: init query failed: %w", err)
	}
	s.lastBindings = bindings
	s.state = Idle
	return bindings, nil
}

// PreUpdateProcessing is called under the pre-barrier; gen identifies the
// barrier that dispatched it. The default (naive) policy is a no-op that
// acknowledges immediately. An SPU may inspect u to short-circuit, which
// this implementation does not yet exercise; the look-up-table narrowing
// lives in the Manager's filter instead.
func (s *SPU) PreUpdateProcessing(u sparql.Update, gen uint64) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		s.completer.ExceptionOnProcessing(s.spuid, gen)
		return
	}
	s.state = PreProcessing
	s.state = AwaitingEndpoint
	s.state = Idle
	s.mu.Unlock()

	s.completer.EndOfProcessing(s.spuid, gen)
}

// PostUpdateProcessing is called under the post-barrier with the outcome of
// applying the update to the endpoint; gen identifies the barrier that
// dispatched it. On success it evaluates the predicate, diffs against
// last_bindings, emits Added/Removed notifications in order, and updates
// last_bindings. On endpoint failure it acknowledges without recomputation
// or emission.
func (s *SPU) PostUpdateProcessing(ctx context.Context, result endpoint.UpdateResult, gen uint64) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		s.completer.ExceptionOnProcessing(s.spuid, gen)
		return
	}
	s.state = PostProcessing

	if !result.Succeeded {
		s.state = Idle
		s.mu.Unlock()
		s.completer.ExceptionOnProcessing(s.spuid, gen)
		return
	}

	newBindings, err := s.endpoint.Query(ctx, s.predicate.Query)
	if err != nil {
		s.state = Idle
		s.mu.Unlock()
		s.completer.ExceptionOnProcessing(s.spuid, gen)
		return
	}

	added := newBindings.Difference(s.lastBindings)
	removed := s.lastBindings.Difference(newBindings)
	s.lastBindings = newBindings
	s.state = Idle
	spuid := s.spuid
	s.mu.Unlock()

	if len(added) > 0 {
		s.completer.NotifyEvent(fanout.Notification{
			SPUID:    spuid,
			Sequence: s.nextSequence(),
			Tag:      fanout.TagAdded,
			Bindings: added,
		}, gen)
	}
	if len(removed) > 0 {
		s.completer.NotifyEvent(fanout.Notification{
			SPUID:    spuid,
			Sequence: s.nextSequence(),
			Tag:      fanout.TagRemoved,
			Bindings: removed,
		}, gen)
	}

	s.completer.EndOfProcessing(spuid, gen)
}

// nextSequence returns the next monotonically increasing, gap-free
// per-SPU sequence number.
func (s *SPU) nextSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence++
	return s.sequence
}

// InitialSnapshotSequence returns and consumes the next sequence number,
// used by Manager.subscribe to number the InitialSnapshot notification.
func (s *SPU) InitialSnapshotSequence() uint64 {
	return s.nextSequence()
}

// Finish transitions the SPU to Terminating then Dead, refusing further
// barrier participation, and returns the numbered Terminated notification.
// It delivers nothing itself: the caller (Manager.unsubscribe) sends the
// returned notification to the subscribers it pulls from the registry,
// since the SPU itself holds no subscriber references; the registry owns
// subscribers, not the SPU.
func (s *SPU) Finish(reason string) fanout.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Terminating
	seq := s.sequence + 1
	s.sequence = seq
	s.state = Dead
	return fanout.Notification{
		SPUID:    s.spuid,
		Sequence: seq,
		Tag:      fanout.TagTerminated,
		Reason:   reason,
	}
}
