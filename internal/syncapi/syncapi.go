// Package syncapi describes the mailvault.v1.SyncService gRPC service.
// Messages are protobuf well-known types: requests and job records travel
// as google.protobuf.Struct, identifiers as StringValue.
package syncapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "mailvault.v1.SyncService"

const (
	LoginFullMethodName   = "/" + ServiceName + "/Login"
	EnqueueFullMethodName = "/" + ServiceName + "/Enqueue"
	StatusFullMethodName  = "/" + ServiceName + "/Status"
	CancelFullMethodName  = "/" + ServiceName + "/Cancel"
)

// SyncServiceServer is the server API for SyncService.
type SyncServiceServer interface {
	// Login takes a LoginRequest and returns an access token.
	Login(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	// Enqueue takes an EnqueueRequest and returns the job id.
	Enqueue(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	// Status returns the JobStatus of a job id.
	Status(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// Cancel reports whether the job was still cancellable.
	Cancel(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
}

// UnimplementedSyncServiceServer can be embedded for forward compatibility.
type UnimplementedSyncServiceServer struct{}

func (UnimplementedSyncServiceServer) Login(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Login not implemented")
}
func (UnimplementedSyncServiceServer) Enqueue(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Enqueue not implemented")
}
func (UnimplementedSyncServiceServer) Status(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Status not implemented")
}
func (UnimplementedSyncServiceServer) Cancel(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Cancel not implemented")
}

func RegisterSyncServiceServer(s grpc.ServiceRegistrar, srv SyncServiceServer) {
	s.RegisterService(&SyncService_ServiceDesc, srv)
}

// unaryHandler adapts one typed method to grpc.MethodHandler.
func unaryHandler[Req any, Resp any](fullMethod string, call func(SyncServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SyncServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SyncServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var SyncService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Login", Handler: unaryHandler(LoginFullMethodName, SyncServiceServer.Login)},
		{MethodName: "Enqueue", Handler: unaryHandler(EnqueueFullMethodName, SyncServiceServer.Enqueue)},
		{MethodName: "Status", Handler: unaryHandler(StatusFullMethodName, SyncServiceServer.Status)},
		{MethodName: "Cancel", Handler: unaryHandler(CancelFullMethodName, SyncServiceServer.Cancel)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mailvault/v1/sync.proto",
}

// SyncServiceClient is the client API for SyncService.
type SyncServiceClient interface {
	Login(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	Enqueue(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	Status(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error)
	Cancel(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
}

type syncServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewSyncServiceClient(cc grpc.ClientConnInterface) SyncServiceClient {
	return &syncServiceClient{cc: cc}
}

func (c *syncServiceClient) Login(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, LoginFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncServiceClient) Enqueue(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, EnqueueFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncServiceClient) Status(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, StatusFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *syncServiceClient) Cancel(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, CancelFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
