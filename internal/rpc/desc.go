// Package rpc exposes the clipboard daemon over gRPC.
//
// Messages are plain Go structs carried by a JSON codec, so the service
// descriptor is declared here instead of generated.
package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "clipd.v1.ClipboardService"

// Full method names.
const (
	MethodCopy   = "/" + serviceName + "/Copy"
	MethodPaste  = "/" + serviceName + "/Paste"
	MethodClear  = "/" + serviceName + "/Clear"
	MethodStore  = "/" + serviceName + "/Store"
	MethodStatus = "/" + serviceName + "/Status"
	MethodWatch  = "/" + serviceName + "/Watch"
)

// ClipboardServer is implemented by Service.
type ClipboardServer interface {
	Copy(context.Context, *CopyRequest) (*CopyResponse, error)
	Paste(context.Context, *PasteRequest) (*PasteResponse, error)
	Clear(context.Context, *ClearRequest) (*ClearResponse, error)
	Store(context.Context, *StoreRequest) (*StoreResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Watch(*WatchRequest, grpc.ServerStreamingServer[WatchResponse]) error
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv ClipboardServer) {
	s.RegisterService(&serviceDesc, srv)
}

// unary builds a method handler for one request/response pair.
func unary[Req, Resp any](name string, call func(ClipboardServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if ic == nil {
				return call(srv.(ClipboardServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ClipboardServer), ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ClipboardServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Copy", ClipboardServer.Copy),
		unary("Paste", ClipboardServer.Paste),
		unary("Clear", ClipboardServer.Clear),
		unary("Store", ClipboardServer.Store),
		unary("Status", ClipboardServer.Status),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(WatchRequest)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(ClipboardServer).Watch(in, &grpc.GenericServerStream[WatchRequest, WatchResponse]{ServerStream: stream})
		},
	}},
}
