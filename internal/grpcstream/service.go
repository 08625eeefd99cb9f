// Package grpcstream exposes the broker's notification firehose to
// out-of-process consumers (a monitoring sidecar, a second gateway
// instance) over a gRPC server-streaming RPC, independent of any
// per-connection WebSocket or HTTP-poll delivery.
//
// The service is built directly against google.golang.org/grpc's
// ServiceDesc/StreamDesc primitives, carrying notifications as
// google.golang.org/protobuf/types/known/structpb values -- a message
// type that ships inside the protobuf module itself and needs no codegen
// or checked-in .proto artifacts.
package grpcstream

import (
	"sync"

	_ "google.golang.org/grpc/encoding/gzip" // registers gzip wire compression
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"sepabroker/internal/fanout"
	"sepabroker/internal/logging"
)

// subscriberBuffer bounds how many undelivered frames a slow gRPC consumer
// may accumulate before frames are dropped for it; delivery here is
// best-effort, matching the per-subscriber fan-out semantics.
const subscriberBuffer = 64

// Option customises a Service at construction.
type Option func(*Service)

// WithLogger overrides the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// Service implements the NotificationStream gRPC service: one Subscribe
// call per connected consumer, broadcasting every notification the Manager
// emits via Publish (wired through manager.WithFirehoseSink).
type Service struct {
	log *logging.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	spuid string // empty means "every SPU"
	ch    chan *structpb.Struct
}

// NewService constructs a Service with no subscribers yet attached.
func NewService(opts ...Option) *Service {
	s := &Service{
		log:  logging.L(),
		subs: make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Publish implements manager.FirehoseSink: it broadcasts n to every
// connected Subscribe stream whose spuid filter matches (or has none set),
// dropping the frame for any consumer whose buffer is saturated rather than
// blocking the Manager's barrier.
func (s *Service) Publish(n fanout.Notification) {
	if s == nil {
		return
	}
	msg := notificationToStruct(n)
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if sub.spuid != "" && sub.spuid != n.SPUID {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			s.log.Warn("grpcstream: dropping notification for slow consumer",
				logging.String("spuid", n.SPUID), logging.Int("sequence", int(n.Sequence)))
		}
	}
}

// Subscribe implements ServiceServer. The request is an optional
// structpb.Struct carrying a "spuid" string field to filter the firehose
// to a single subscription; an empty or absent field streams everything.
func (s *Service) Subscribe(req *structpb.Struct, stream NotificationStream_SubscribeServer) error {
	filter := ""
	if req != nil {
		if v, ok := req.Fields["spuid"]; ok {
			filter = v.GetStringValue()
		}
	}

	sub := &subscriber{spuid: filter, ch: make(chan *structpb.Struct, subscriberBuffer)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case msg := <-sub.ch:
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func notificationToStruct(n fanout.Notification) *structpb.Struct {
	frame := fanout.ToFrame(n)
	fields := map[string]any{
		"spuid":    frame.SPUID,
		"sequence": float64(frame.Sequence),
		"tag":      string(frame.Tag),
	}
	if frame.Reason != "" {
		fields["reason"] = frame.Reason
	}
	if len(frame.FirstResults) > 0 {
		fields["firstResults"] = toAnySlice(frame.FirstResults)
	}
	if len(frame.AddedResults) > 0 {
		fields["addedResults"] = toAnySlice(frame.AddedResults)
	}
	if len(frame.RemovedResults) > 0 {
		fields["removedResults"] = toAnySlice(frame.RemovedResults)
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		// Every value above is a structpb-representable primitive or
		// []any/map[string]any thereof, so this can only fail if a binding
		// term carries a non-JSON-able Go value -- treat it as empty rather
		// than panic the barrier goroutine that called Publish.
		return &structpb.Struct{}
	}
	return msg
}

func toAnySlice(rows []map[string]any) []any {
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = row
	}
	return out
}
