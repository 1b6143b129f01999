// Package gateway serves the clipboard over HTTP/JSON next to gRPC.
//
//	GET    /v1/status             daemon and ownership status
//	GET    /v1/clipboard          best item as JSON (?accept=mime, repeatable)
//	GET    /v1/clipboard/raw      best item as raw bytes with its content type
//	POST   /v1/clipboard          copy: JSON CopyRequest, or any other body as one item
//	DELETE /v1/clipboard          clear
//	POST   /v1/clipboard/store    hand the content to the native clipboard
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	gwruntime "github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.klb.dev/clipd/internal/rpc"
)

// MaxBody caps uploads accepted by POST /v1/clipboard.
const MaxBody = 64 << 20

// Gateway routes HTTP requests to a ClipboardServer in-process.
type Gateway struct {
	mux *gwruntime.ServeMux
	srv rpc.ClipboardServer
}

// New builds the route table for srv.
func New(srv rpc.ClipboardServer) (*Gateway, error) {
	g := &Gateway{
		srv: srv,
		mux: gwruntime.NewServeMux(
			gwruntime.WithMarshalerOption(gwruntime.MIMEWildcard, &gwruntime.HTTPBodyMarshaler{
				Marshaler: &gwruntime.JSONBuiltin{},
			}),
			gwruntime.WithIncomingHeaderMatcher(matchHeader),
		),
	}
	routes := []struct {
		method, path string
		h            gwruntime.HandlerFunc
	}{
		{http.MethodGet, "/v1/status", g.status},
		{http.MethodGet, "/v1/clipboard", g.paste},
		{http.MethodGet, "/v1/clipboard/raw", g.pasteRaw},
		{http.MethodPost, "/v1/clipboard", g.copy},
		{http.MethodDelete, "/v1/clipboard", g.clear},
		{http.MethodPost, "/v1/clipboard/store", g.store},
	}
	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.path, rt.h); err != nil {
			return nil, fmt.Errorf("gateway: route %s %s: %w", rt.method, rt.path, err)
		}
	}
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) { g.mux.ServeHTTP(w, r) }

// Serve runs an HTTP/1.1 server on ln until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: g, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func matchHeader(key string) (string, bool) {
	if strings.EqualFold(key, rpc.MDSource) {
		return rpc.MDSource, true
	}
	return gwruntime.DefaultHeaderMatcher(key)
}

// incoming carries the HTTP headers into gRPC incoming metadata so the
// service applies the same auth and source rules.
func (g *Gateway) incoming(r *http.Request, method string) (context.Context, error) {
	return gwruntime.AnnotateIncomingContext(r.Context(), g.mux, r, method)
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	_, out := gwruntime.MarshalerForRequest(g.mux, r)
	gwruntime.HTTPError(r.Context(), g.mux, out, w, r, err)
}

func (g *Gateway) reply(w http.ResponseWriter, r *http.Request, v any) {
	_, out := gwruntime.MarshalerForRequest(g.mux, r)
	buf, err := out.Marshal(v)
	if err != nil {
		g.fail(w, r, status.Error(codes.Internal, err.Error()))
		return
	}
	w.Header().Set("Content-Type", out.ContentType(v))
	_, _ = w.Write(buf)
}

func (g *Gateway) status(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, err := g.incoming(r, rpc.MethodStatus)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.srv.Status(ctx, &rpc.StatusRequest{})
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.reply(w, r, resp)
}

func (g *Gateway) doPaste(r *http.Request) (*rpc.PasteResponse, error) {
	ctx, err := g.incoming(r, rpc.MethodPaste)
	if err != nil {
		return nil, err
	}
	return g.srv.Paste(ctx, &rpc.PasteRequest{Accepts: r.URL.Query()["accept"]})
}

func (g *Gateway) paste(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.doPaste(r)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.reply(w, r, resp)
}

func (g *Gateway) pasteRaw(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.doPaste(r)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	_, out := gwruntime.MarshalerForRequest(g.mux, r)
	gwruntime.ForwardResponseMessage(r.Context(), g.mux, out, w, r, &httpbody.HttpBody{
		ContentType: resp.Item.Mime,
		Data:        resp.Item.Data,
	})
}

func (g *Gateway) copy(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, err := g.incoming(r, rpc.MethodCopy)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	req, err := decodeCopy(w, r)
	if err != nil {
		g.fail(w, r, status.Error(codes.InvalidArgument, err.Error()))
		return
	}
	if req.Source == "" {
		req.Source = "http:" + r.RemoteAddr
	}
	resp, err := g.srv.Copy(ctx, req)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.reply(w, r, resp)
}

// decodeCopy accepts a JSON CopyRequest, or treats any other body as a
// single item of the request's content type.
func decodeCopy(w http.ResponseWriter, r *http.Request) (*rpc.CopyRequest, error) {
	body := http.MaxBytesReader(w, r.Body, MaxBody)
	ct := r.Header.Get("Content-Type")
	mt, _, _ := mime.ParseMediaType(ct)

	req := &rpc.CopyRequest{}
	if mt == "application/json" {
		if err := json.NewDecoder(body).Decode(req); err != nil {
			return nil, fmt.Errorf("decode copy request: %w", err)
		}
	} else {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if ct == "" {
			ct = "application/octet-stream"
		}
		req.Items = []rpc.Item{{Mime: ct, Data: data}}
	}
	if s := r.URL.Query().Get("store"); s != "" {
		store, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		req.Store = req.Store || store
	}
	return req, nil
}

func (g *Gateway) clear(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, err := g.incoming(r, rpc.MethodClear)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.srv.Clear(ctx, &rpc.ClearRequest{})
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.reply(w, r, resp)
}

func (g *Gateway) store(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, err := g.incoming(r, rpc.MethodStore)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp, err := g.srv.Store(ctx, &rpc.StoreRequest{})
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.reply(w, r, resp)
}
