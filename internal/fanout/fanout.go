// Package fanout turns an SPU's Notification into ordered, best-effort
// per-subscriber deliveries. It holds no subscriber state of
// its own -- that lives in internal/registry -- it only defines the wire
// payload shape and the delivery helper the Manager calls under the
// post-barrier.
package fanout

import "sepabroker/internal/rdf"

// Tag identifies the notification variant.
type Tag string

const (
	TagInitialSnapshot Tag = "InitialSnapshot"
	TagAdded           Tag = "Added"
	TagRemoved         Tag = "Removed"
	TagTerminated      Tag = "Terminated"
)

// Notification is the tagged event an SPU emits: InitialSnapshot(bindings),
// Added(bindings), Removed(bindings), or Terminated(reason). All
// notifications carry the emitting spuid and a monotonically increasing
// per-SPU sequence number.
type Notification struct {
	SPUID    string
	Sequence uint64
	Tag      Tag
	Bindings []rdf.Binding
	Reason   string
}

// Frame is the JSON wire shape a gateway serializes a Notification into:
// spuid, sequence, and the three named result lists.
type Frame struct {
	SPUID          string           `json:"spuid"`
	Sequence       uint64           `json:"sequence"`
	Tag            Tag              `json:"tag"`
	FirstResults   []map[string]any `json:"firstResults,omitempty"`
	AddedResults   []map[string]any `json:"addedResults,omitempty"`
	RemovedResults []map[string]any `json:"removedResults,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

// ToFrame renders n into its wire frame, placing Bindings under the result
// list matching n's tag.
func ToFrame(n Notification) Frame {
	frame := Frame{SPUID: n.SPUID, Sequence: n.Sequence, Tag: n.Tag, Reason: n.Reason}
	rendered := renderBindings(n.Bindings)
	switch n.Tag {
	case TagInitialSnapshot:
		frame.FirstResults = rendered
	case TagAdded:
		frame.AddedResults = rendered
	case TagRemoved:
		frame.RemovedResults = rendered
	}
	return frame
}

func renderBindings(bindings []rdf.Binding) []map[string]any {
	if len(bindings) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(bindings))
	for _, b := range bindings {
		row := make(map[string]any, len(b))
		for k, v := range b {
			row[k] = renderTerm(v)
		}
		out = append(out, row)
	}
	return out
}

func renderTerm(t rdf.Term) map[string]any {
	switch t.Kind {
	case rdf.KindIRI:
		return map[string]any{"type": "uri", "value": t.Value}
	case rdf.KindBlankNode:
		return map[string]any{"type": "bnode", "value": t.Value}
	case rdf.KindLiteral:
		m := map[string]any{"type": "literal", "value": t.Lexical}
		if t.Lang != "" {
			m["xml:lang"] = t.Lang
		} else if t.Datatype != "" {
			m["datatype"] = t.Datatype
		}
		return m
	default:
		return map[string]any{"type": "unknown"}
	}
}
