package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls a ClipboardService over conn.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn. Dial with DialOptions so calls use the JSON codec.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// DialOptions returns the options every clipd client needs: the JSON codec
// and, when token or source is set, per-call metadata.
func DialOptions(token, source string, secure bool) []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	if token != "" || source != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&callCreds{token: token, source: source, secure: secure}))
	}
	return opts
}

func invoke[Req, Resp any](ctx context.Context, c *Client, method string, in *Req, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Copy(ctx context.Context, in *CopyRequest, opts ...grpc.CallOption) (*CopyResponse, error) {
	return invoke[CopyRequest, CopyResponse](ctx, c, MethodCopy, in, opts...)
}

func (c *Client) Paste(ctx context.Context, in *PasteRequest, opts ...grpc.CallOption) (*PasteResponse, error) {
	return invoke[PasteRequest, PasteResponse](ctx, c, MethodPaste, in, opts...)
}

func (c *Client) Clear(ctx context.Context, in *ClearRequest, opts ...grpc.CallOption) (*ClearResponse, error) {
	return invoke[ClearRequest, ClearResponse](ctx, c, MethodClear, in, opts...)
}

func (c *Client) Store(ctx context.Context, in *StoreRequest, opts ...grpc.CallOption) (*StoreResponse, error) {
	return invoke[StoreRequest, StoreResponse](ctx, c, MethodStore, in, opts...)
}

func (c *Client) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusRequest, StatusResponse](ctx, c, MethodStatus, in, opts...)
}

// Watch opens the update stream. Recv returns io.EOF when the server ends it.
func (c *Client) Watch(ctx context.Context, in *WatchRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[WatchResponse], error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], MethodWatch, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchRequest, WatchResponse]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// callCreds attaches the bearer token and source name to every call.
type callCreds struct {
	token  string
	source string
	secure bool
}

func (c *callCreds) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	md := make(map[string]string, 2)
	if c.token != "" {
		md[MDAuthorization] = "Bearer " + c.token
	}
	if c.source != "" {
		md[MDSource] = c.source
	}
	return md, nil
}

func (c *callCreds) RequireTransportSecurity() bool { return c.secure }
