package fanout

import (
	"testing"

	"sepabroker/internal/rdf"
)

func TestToFramePlacesBindingsUnderTagAppropriateList(t *testing.T) {
	n := Notification{
		SPUID:    "spu-1",
		Sequence: 3,
		Tag:      TagAdded,
		Bindings: []rdf.Binding{{"x": rdf.IRI("urn:a")}},
	}
	frame := ToFrame(n)
	if frame.AddedResults == nil || len(frame.AddedResults) != 1 {
		t.Fatalf("expected addedResults to carry one row, got %+v", frame)
	}
	if frame.FirstResults != nil || frame.RemovedResults != nil {
		t.Fatalf("expected only addedResults populated, got %+v", frame)
	}
	if frame.AddedResults[0]["x"].(map[string]any)["value"] != "urn:a" {
		t.Fatalf("expected rendered term value urn:a, got %+v", frame.AddedResults[0])
	}
}

func TestToFrameTerminatedCarriesReason(t *testing.T) {
	n := Notification{SPUID: "spu-1", Sequence: 9, Tag: TagTerminated, Reason: "Unsubscribed"}
	frame := ToFrame(n)
	if frame.Reason != "Unsubscribed" {
		t.Fatalf("expected reason to propagate, got %q", frame.Reason)
	}
}

type recordingRegistry struct {
	delivered []any
	lostGIDs  []string
}

func (r *recordingRegistry) NotifySubscribers(spuid string, payload any, onConnectionLost func(gid string)) {
	r.delivered = append(r.delivered, payload)
	if onConnectionLost != nil {
		onConnectionLost("gid-dead")
	}
}

func TestDeliverPassesThroughToRegistry(t *testing.T) {
	reg := &recordingRegistry{}
	Deliver(reg, Notification{SPUID: "spu-1", Tag: TagInitialSnapshot}, func(gid string) {
		reg.lostGIDs = append(reg.lostGIDs, gid)
	})
	if len(reg.delivered) != 1 {
		t.Fatalf("expected one delivery, got %d", len(reg.delivered))
	}
	if len(reg.lostGIDs) != 1 || reg.lostGIDs[0] != "gid-dead" {
		t.Fatalf("expected connection_lost callback to propagate, got %v", reg.lostGIDs)
	}
}
