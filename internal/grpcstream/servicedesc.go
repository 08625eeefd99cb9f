package grpcstream

import (
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceServer is the interface Service implements. It is defined
// separately from Service so RegisterNotificationStreamServer can accept
// any implementation, the same shape protoc-gen-go-grpc generates for a
// service interface, just authored by hand since no .proto exists for this
// RPC (see the package doc comment).
type ServiceServer interface {
	Subscribe(*structpb.Struct, NotificationStream_SubscribeServer) error
}

// NotificationStream_SubscribeServer is the server-side handle for a single
// Subscribe call: send frames to the connected consumer, observe context
// cancellation when it disconnects.
type NotificationStream_SubscribeServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type notificationStreamSubscribeServer struct {
	grpc.ServerStream
}

func (s *notificationStreamSubscribeServer) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ServiceServer).Subscribe(m, &notificationStreamSubscribeServer{stream})
}

// serviceDesc mirrors what protoc-gen-go-grpc emits for a single
// server-streaming RPC: one grpc.StreamDesc naming the method and its
// handler, registered under a stable service name.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "sepabroker.NotificationStream",
	HandlerType: (*ServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "sepabroker/internal/grpcstream/service.proto",
}

// RegisterNotificationStreamServer attaches srv to s under the
// NotificationStream service name.
func RegisterNotificationStreamServer(s *grpc.Server, srv ServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

var _ ServiceServer = (*Service)(nil)
