package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName         = "scopie.guide.v1.Guide"
	currentOffsetMethod = "/" + serviceName + "/CurrentOffset"
	watchOffsetsMethod  = "/" + serviceName + "/WatchOffsets"
)

// GuideServer is the server side of the Guide service. Messages use the
// well-known Empty and Struct types, so no generated code is needed.
type GuideServer interface {
	CurrentOffset(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchOffsets(*emptypb.Empty, OffsetSender) error
}

// OffsetSender is the server end of a WatchOffsets stream.
type OffsetSender interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

// RegisterGuideServer registers srv on s.
func RegisterGuideServer(s grpc.ServiceRegistrar, srv GuideServer) {
	s.RegisterService(&guideServiceDesc, srv)
}

var guideServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GuideServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CurrentOffset", Handler: currentOffsetHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchOffsets", Handler: watchOffsetsHandler, ServerStreams: true},
	},
	Metadata: "scopie/guide/v1/guide.proto",
}

func currentOffsetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GuideServer).CurrentOffset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: currentOffsetMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GuideServer).CurrentOffset(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchOffsetsHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GuideServer).WatchOffsets(in, &offsetSender{stream})
}

type offsetSender struct {
	grpc.ServerStream
}

func (s *offsetSender) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// Client calls the Guide service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// CurrentOffset returns the latest guiding sample.
func (c *Client) CurrentOffset(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, currentOffsetMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// OffsetReceiver is the client end of a WatchOffsets stream.
type OffsetReceiver struct {
	grpc.ClientStream
}

// Recv blocks for the next sample.
func (r *OffsetReceiver) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := r.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// WatchOffsets streams samples until ctx is cancelled or the server stops.
func (c *Client) WatchOffsets(ctx context.Context, opts ...grpc.CallOption) (*OffsetReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &guideServiceDesc.Streams[0], watchOffsetsMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &OffsetReceiver{stream}, nil
}
