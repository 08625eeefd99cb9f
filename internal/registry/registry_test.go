package registry

import (
	"errors"
	"testing"

	"sepabroker/internal/rdf"
)

type fakeSPU struct {
	id string
	fp rdf.Fingerprint
}

func (s *fakeSPU) SPUID() string                { return s.id }
func (s *fakeSPU) Fingerprint() rdf.Fingerprint { return s.fp }

type fakeSink struct {
	delivered []any
	fail      bool
}

func (s *fakeSink) Deliver(payload any) error {
	if s.fail {
		return errors.New("sink dead")
	}
	s.delivered = append(s.delivered, payload)
	return nil
}

func TestRegisterAndFingerprintDedup(t *testing.T) {
	r := New()
	fp := rdf.Fingerprint("fp-1")
	spu := &fakeSPU{id: "spu-1", fp: fp}

	if r.Contains(fp) {
		t.Fatalf("expected fresh registry not to contain fp")
	}
	if err := r.Register(fp, spu); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.Contains(fp) {
		t.Fatalf("expected registry to contain fp after register")
	}
	if err := r.Register(fp, spu); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on duplicate register, got %v", err)
	}

	got, ok := r.GetSPU(fp)
	if !ok || got.SPUID() != "spu-1" {
		t.Fatalf("expected GetSPU to resolve to spu-1, got %v", got)
	}
}

func TestAddAndRemoveSubscriberInvariants(t *testing.T) {
	r := New()
	fp := rdf.Fingerprint("fp-1")
	spu := &fakeSPU{id: "spu-1", fp: fp}
	if err := r.Register(fp, spu); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sub1, err := r.AddSubscriber("sid-1", "gid-1", "spu-1", &fakeSink{})
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	sub2, err := r.AddSubscriber("sid-2", "gid-1", "spu-1", &fakeSink{})
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}

	// Invariant: subscriber appears in exactly one spu_subscribers set and
	// resolves from by_sid.
	if len(r.SubscribersOf("spu-1")) != 2 {
		t.Fatalf("expected 2 subscribers on spu-1")
	}
	if _, err := r.GetSubscriber("sid-1"); err != nil {
		t.Fatalf("expected sid-1 resolvable: %v", err)
	}

	emptyAfterFirst := r.RemoveSubscriber(sub1)
	if emptyAfterFirst {
		t.Fatalf("expected spu_subscribers to remain non-empty after removing one of two")
	}
	if _, err := r.GetSubscriber("sid-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected sid-1 to be gone after removal")
	}

	emptyAfterSecond := r.RemoveSubscriber(sub2)
	if !emptyAfterSecond {
		t.Fatalf("expected spu_subscribers to become empty after removing last subscriber")
	}
}

// Subscribe then immediately unsubscribe removes the SPU from every
// table.
func TestTerminateRemovesFromAllTables(t *testing.T) {
	r := New()
	fp := rdf.Fingerprint("fp-1")
	spu := &fakeSPU{id: "spu-1", fp: fp}
	if err := r.Register(fp, spu); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sub, err := r.AddSubscriber("sid-1", "gid-1", "spu-1", &fakeSink{})
	if err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	if empty := r.RemoveSubscriber(sub); !empty {
		t.Fatalf("expected last subscriber removal to report empty")
	}

	r.TerminateSPU("spu-1", fp)

	if r.Contains(fp) {
		t.Fatalf("expected fingerprint table to no longer contain fp")
	}
	if _, ok := r.GetSPUByID("spu-1"); ok {
		t.Fatalf("expected spuid table to no longer contain spu-1")
	}
	if len(r.LiveSPUs()) != 0 {
		t.Fatalf("expected no live SPUs after termination")
	}
}

func TestNotifySubscribersIsBestEffort(t *testing.T) {
	r := New()
	fp := rdf.Fingerprint("fp-1")
	spu := &fakeSPU{id: "spu-1", fp: fp}
	if err := r.Register(fp, spu); err != nil {
		t.Fatalf("Register: %v", err)
	}
	good := &fakeSink{}
	bad := &fakeSink{fail: true}
	if _, err := r.AddSubscriber("sid-good", "gid-1", "spu-1", good); err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	if _, err := r.AddSubscriber("sid-bad", "gid-2", "spu-1", bad); err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}

	var lostGID string
	r.NotifySubscribers("spu-1", "payload", func(gid string) { lostGID = gid })

	if len(good.delivered) != 1 {
		t.Fatalf("expected good sink to receive delivery despite bad sink failing")
	}
	if lostGID != "gid-2" {
		t.Fatalf("expected connection_lost callback for gid-2, got %q", lostGID)
	}
}

func TestSubscribersOfGIDSupportsMassUnsubscribe(t *testing.T) {
	r := New()
	fp := rdf.Fingerprint("fp-1")
	spu := &fakeSPU{id: "spu-1", fp: fp}
	if err := r.Register(fp, spu); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.AddSubscriber("sid-1", "gid-x", "spu-1", &fakeSink{}); err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	if _, err := r.AddSubscriber("sid-2", "gid-x", "spu-1", &fakeSink{}); err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}

	sids := r.SubscribersOfGID("gid-x")
	if len(sids) != 2 {
		t.Fatalf("expected 2 sids for gid-x, got %d", len(sids))
	}
}
