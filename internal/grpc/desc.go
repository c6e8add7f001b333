package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified spectator service name.
const ServiceName = "pongengine.v1.Spectator"

const (
	watchSessionMethod    = "/" + ServiceName + "/WatchSession"
	streamLifecycleMethod = "/" + ServiceName + "/StreamLifecycle"
)

// SpectatorServer is the server API for the spectator service.
type SpectatorServer interface {
	WatchSession(*wrapperspb.Int64Value, grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
	StreamLifecycle(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

// SpectatorServiceDesc describes the service using well-known request and response types, so
// no generated code is required on either side.
var SpectatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SpectatorServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchSession",
			Handler:       watchSessionHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "StreamLifecycle",
			Handler:       streamLifecycleHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pongengine/v1/spectator.proto",
}

// RegisterSpectatorServer attaches srv to the gRPC server.
func RegisterSpectatorServer(s grpc.ServiceRegistrar, srv SpectatorServer) {
	s.RegisterService(&SpectatorServiceDesc, srv)
}

func watchSessionHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.Int64Value)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SpectatorServer).WatchSession(in, &grpc.GenericServerStream[wrapperspb.Int64Value, wrapperspb.BytesValue]{ServerStream: stream})
}

func streamLifecycleHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SpectatorServer).StreamLifecycle(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}

// SpectatorClient is the client API for the spectator service.
type SpectatorClient struct {
	cc grpc.ClientConnInterface
}

// NewSpectatorClient wraps a client connection.
func NewSpectatorClient(cc grpc.ClientConnInterface) *SpectatorClient {
	return &SpectatorClient{cc: cc}
}

// WatchSession opens a frame stream for one session.
func (c *SpectatorClient) WatchSession(ctx context.Context, in *wrapperspb.Int64Value, opts ...grpc.CallOption) (grpc.ServerStreamingClient[wrapperspb.BytesValue], error) {
	stream, err := c.cc.NewStream(ctx, &SpectatorServiceDesc.Streams[0], watchSessionMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.Int64Value, wrapperspb.BytesValue]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// StreamLifecycle opens a lifecycle event stream for a named subscriber.
func (c *SpectatorClient) StreamLifecycle(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &SpectatorServiceDesc.Streams[1], streamLifecycleMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
