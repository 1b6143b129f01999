package rpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"go.klb.dev/clipd/internal/appclip"
	"go.klb.dev/clipd/internal/worker"
)

// Metadata keys.
const (
	MDAuthorization = "authorization"
	MDSource        = "x-clipd-source"
)

// Clipboard is the daemon surface the service drives; *appclip.Clipboard
// implements it.
type Clipboard interface {
	Copy(ctx context.Context, source string, items []appclip.Item) error
	Clear(ctx context.Context) error
	Paste(ctx context.Context, accepts []string) (appclip.Item, error)
	Store(ctx context.Context) error
	Status(ctx context.Context) (appclip.Status, error)
	Watch(ctx context.Context) (int, <-chan appclip.Update, error)
	Unwatch(id int)
}

// Service implements ClipboardServer on top of a Clipboard.
type Service struct {
	clip    Clipboard
	token   string // empty = no auth
	version string
}

var _ ClipboardServer = (*Service)(nil)

// New returns a Service backed by c. token may be empty to disable auth.
func New(c Clipboard, token, version string) *Service {
	return &Service{clip: c, token: token, version: version}
}

// Copy implements ClipboardServer.
func (s *Service) Copy(ctx context.Context, req *CopyRequest) (*CopyResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	items := make([]appclip.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = appclip.Item{Mime: it.Mime, Data: it.Data}
	}
	if err := s.clip.Copy(ctx, sourceFromCtx(ctx, req.Source), items); err != nil {
		return nil, toStatus("copy", err)
	}
	if req.Store && len(items) > 0 {
		if err := s.clip.Store(ctx); err != nil {
			return nil, toStatus("store", err)
		}
	}
	return &CopyResponse{}, nil
}

// Paste implements ClipboardServer.
func (s *Service) Paste(ctx context.Context, req *PasteRequest) (*PasteResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	it, err := s.clip.Paste(ctx, req.Accepts)
	if err != nil {
		return nil, toStatus("paste", err)
	}
	return &PasteResponse{Item: Item{Mime: it.Mime, Data: it.Data}}, nil
}

// Clear implements ClipboardServer.
func (s *Service) Clear(ctx context.Context, _ *ClearRequest) (*ClearResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	if err := s.clip.Clear(ctx); err != nil {
		return nil, toStatus("clear", err)
	}
	return &ClearResponse{}, nil
}

// Store implements ClipboardServer.
func (s *Service) Store(ctx context.Context, _ *StoreRequest) (*StoreResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	if err := s.clip.Store(ctx); err != nil {
		return nil, toStatus("store", err)
	}
	return &StoreResponse{}, nil
}

// Status implements ClipboardServer.
func (s *Service) Status(ctx context.Context, _ *StatusRequest) (*StatusResponse, error) {
	if err := s.auth(ctx); err != nil {
		return nil, err
	}
	st, err := s.clip.Status(ctx)
	if err != nil {
		return nil, toStatus("status", err)
	}
	resp := &StatusResponse{
		Version:    s.version,
		Backend:    st.Backend,
		Owner:      uint64(st.Owner),
		Self:       st.Self,
		Generation: st.Generation,
		Source:     st.Source,
		Types:      st.Types,
		Queued:     st.Queued,
		Retrying:   st.Retrying,
		Advertised: st.Advertised,
		Watchers:   st.Watchers,
	}
	if !st.ChangedAt.IsZero() {
		resp.ChangedAt = timestamppb.New(st.ChangedAt)
	}
	return resp, nil
}

// Watch implements ClipboardServer.
func (s *Service) Watch(_ *WatchRequest, stream grpc.ServerStreamingServer[WatchResponse]) error {
	ctx := stream.Context()
	if err := s.auth(ctx); err != nil {
		return err
	}
	id, ch, err := s.clip.Watch(ctx)
	if err != nil {
		return toStatus("watch", err)
	}
	defer s.clip.Unwatch(id)

	slog.Info("watch started", "peer", addrFromCtx(ctx), "source", sourceFromCtx(ctx, ""))
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-ch:
			if !ok {
				return status.Error(codes.Unavailable, "clipboard closed")
			}
			resp := &WatchResponse{
				Source: u.Source,
				Local:  u.Local,
				Owner:  uint64(u.Owner),
				Types:  u.Types,
			}
			if !u.At.IsZero() {
				resp.At = timestamppb.New(u.At)
			}
			if err := stream.Send(resp); err != nil {
				return err
			}
		}
	}
}

// auth validates the bearer token in ctx metadata. Skipped when s.token is empty.
func (s *Service) auth(ctx context.Context) error {
	if s.token == "" {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	vals := md.Get(MDAuthorization)
	if len(vals) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization header")
	}
	if strings.TrimPrefix(vals[0], "Bearer ") != s.token {
		return status.Error(codes.Unauthenticated, "invalid token")
	}
	return nil
}

// toStatus maps daemon errors onto gRPC codes.
func toStatus(op string, err error) error {
	if st, ok := status.FromError(err); ok {
		return st.Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	code := codes.Internal
	switch {
	case errors.Is(err, appclip.ErrNoContent):
		code = codes.FailedPrecondition
	case errors.Is(err, worker.ErrNoCompatibleFormat):
		code = codes.NotFound
	case errors.Is(err, worker.ErrLockTimeout), errors.Is(err, worker.ErrStopped):
		code = codes.Unavailable
	case errors.Is(err, worker.ErrOwnershipChanged), errors.Is(err, worker.ErrContentChanged):
		code = codes.Aborted
	case errors.Is(err, worker.ErrAllocationFailed):
		code = codes.ResourceExhausted
	case errors.Is(err, worker.ErrRenderTimeout):
		code = codes.DeadlineExceeded
	}
	if code == codes.Internal {
		slog.Error("rpc failed", "op", op, "err", err)
	}
	return status.Error(code, err.Error())
}

func sourceFromCtx(ctx context.Context, fallback string) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(MDSource); len(vals) > 0 {
			return vals[0]
		}
	}
	if fallback != "" {
		return fallback
	}
	return addrFromCtx(ctx)
}

func addrFromCtx(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}
