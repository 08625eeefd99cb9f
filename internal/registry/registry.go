// Package registry is the canonical home of live SPUs and Subscribers.
// Every public operation here is meant to be called only
// from inside the SPU Manager's monitor -- the registry itself does no
// locking of its own, trusting the single-writer discipline the Manager
// enforces.
package registry

import (
	"errors"
	"fmt"

	"sepabroker/internal/rdf"
)

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = errors.New("registry: not found")

// ErrAlreadyExists is returned by register when the fingerprint is already
// present.
var ErrAlreadyExists = errors.New("registry: already exists")

// SPUHandle is the narrow view of an SPU the registry needs: enough to key
// and terminate it, without depending on internal/spu (registry sits below
// both internal/spu and internal/manager).
type SPUHandle interface {
	SPUID() string
	Fingerprint() rdf.Fingerprint
}

// Subscriber is a registry-owned handle to one subscribed connection.
type Subscriber struct {
	SID   string
	GID   string
	SPUID string
	Sink  EventSink
}

// EventSink is the capability a gateway provides so notify_subscribers can
// deliver without the registry knowing about WebSockets, gRPC, or anything
// else transport-specific.
type EventSink interface {
	// Deliver attempts best-effort delivery of a notification payload,
	// already encoded by the fan-out. A non-nil error marks the sink dead.
	Deliver(payload any) error
}

// Registry holds the by-fingerprint, by-spuid, by-sid, by-gid, and
// per-SPU subscriber tables.
type Registry struct {
	byFingerprint map[rdf.Fingerprint]SPUHandle
	bySPUID       map[string]SPUHandle
	bySID         map[string]*Subscriber
	byGID         map[string]map[string]struct{}
	spuSubs       map[string]map[string]struct{}
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byFingerprint: make(map[rdf.Fingerprint]SPUHandle),
		bySPUID:       make(map[string]SPUHandle),
		bySID:         make(map[string]*Subscriber),
		byGID:         make(map[string]map[string]struct{}),
		spuSubs:       make(map[string]map[string]struct{}),
	}
}

// Contains reports a fingerprint hit test.
func (r *Registry) Contains(fp rdf.Fingerprint) bool {
	_, ok := r.byFingerprint[fp]
	return ok
}

// GetSPU returns the SPU registered under fp, if any.
func (r *Registry) GetSPU(fp rdf.Fingerprint) (SPUHandle, bool) {
	s, ok := r.byFingerprint[fp]
	return s, ok
}

// GetSPUByID returns the SPU registered under spuid, if any.
func (r *Registry) GetSPUByID(spuid string) (SPUHandle, bool) {
	s, ok := r.bySPUID[spuid]
	return s, ok
}

// Register inserts spu into by_fingerprint and by_spuid; fails with
// ErrAlreadyExists if fp is already registered.
func (r *Registry) Register(fp rdf.Fingerprint, spu SPUHandle) error {
	if _, exists := r.byFingerprint[fp]; exists {
		return fmt.Errorf("%w: fingerprint %s", ErrAlreadyExists, fp)
	}
	r.byFingerprint[fp] = spu
	r.bySPUID[spu.SPUID()] = spu
	if _, ok := r.spuSubs[spu.SPUID()]; !ok {
		r.spuSubs[spu.SPUID()] = make(map[string]struct{})
	}
	return nil
}

// AddSubscriber takes the caller-supplied sid, attaches it to spu_subscribers[spuid]
// and by_gid[gid], and registers it in by_sid.
func (r *Registry) AddSubscriber(sid, gid, spuid string, sink EventSink) (*Subscriber, error) {
	if _, ok := r.bySPUID[spuid]; !ok {
		return nil, fmt.Errorf("%w: spuid %s", ErrNotFound, spuid)
	}
	sub := &Subscriber{SID: sid, GID: gid, SPUID: spuid, Sink: sink}
	r.bySID[sid] = sub
	if _, ok := r.spuSubs[spuid]; !ok {
		r.spuSubs[spuid] = make(map[string]struct{})
	}
	r.spuSubs[spuid][sid] = struct{}{}
	if _, ok := r.byGID[gid]; !ok {
		r.byGID[gid] = make(map[string]struct{})
	}
	r.byGID[gid][sid] = struct{}{}
	return sub, nil
}

// GetSubscriber looks up a subscriber by sid; ErrNotFound on miss.
func (r *Registry) GetSubscriber(sid string) (*Subscriber, error) {
	sub, ok := r.bySID[sid]
	if !ok {
		return nil, fmt.Errorf("%w: sid %s", ErrNotFound, sid)
	}
	return sub, nil
}

// RemoveSubscriber deletes sub from every table and reports whether its
// SPU's subscriber set became empty (the caller must then terminate the
// SPU).
func (r *Registry) RemoveSubscriber(sub *Subscriber) bool {
	delete(r.bySID, sub.SID)
	if set, ok := r.byGID[sub.GID]; ok {
		delete(set, sub.SID)
		if len(set) == 0 {
			delete(r.byGID, sub.GID)
		}
	}
	empty := false
	if set, ok := r.spuSubs[sub.SPUID]; ok {
		delete(set, sub.SID)
		empty = len(set) == 0
	}
	return empty
}

// SubscribersOf returns the subscribers currently attached to spuid.
func (r *Registry) SubscribersOf(spuid string) []*Subscriber {
	ids, ok := r.spuSubs[spuid]
	if !ok {
		return nil
	}
	out := make([]*Subscriber, 0, len(ids))
	for sid := range ids {
		if sub, ok := r.bySID[sid]; ok {
			out = append(out, sub)
		}
	}
	return out
}

// SubscribersOfGID returns every sid currently attached to gid, used for
// connection-scoped mass unsubscription.
func (r *Registry) SubscribersOfGID(gid string) []string {
	ids, ok := r.byGID[gid]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ids))
	for sid := range ids {
		out = append(out, sid)
	}
	return out
}

// TerminateSPU removes spuid from every table in one atomic step (by_spuid,
// by_fingerprint, spu_subscribers, and every subscriber attached to it from
// by_sid/by_gid), returning the subscribers that were attached so the
// caller can emit Terminated notifications to their sinks.
func (r *Registry) TerminateSPU(spuid string, fp rdf.Fingerprint) []*Subscriber {
	subs := r.SubscribersOf(spuid)
	for _, sub := range subs {
		delete(r.bySID, sub.SID)
		if set, ok := r.byGID[sub.GID]; ok {
			delete(set, sub.SID)
			if len(set) == 0 {
				delete(r.byGID, sub.GID)
			}
		}
	}
	delete(r.spuSubs, spuid)
	delete(r.bySPUID, spuid)
	delete(r.byFingerprint, fp)
	return subs
}

// LiveSPUs returns every SPU currently registered. The Manager does not
// call this; it builds its filter input from its own spus map.
func (r *Registry) LiveSPUs() []SPUHandle {
	out := make([]SPUHandle, 0, len(r.bySPUID))
	for _, s := range r.bySPUID {
		out = append(out, s)
	}
	return out
}

// NotifySubscribers delivers payload to every subscriber of spuid,
// best-effort: a sink error is reported through onConnectionLost(gid) but
// never aborts delivery to the remaining subscribers.
func (r *Registry) NotifySubscribers(spuid string, payload any, onConnectionLost func(gid string)) {
	for _, sub := range r.SubscribersOf(spuid) {
		if err := sub.Sink.Deliver(payload); err != nil && onConnectionLost != nil {
			onConnectionLost(sub.GID)
		}
	}
}
