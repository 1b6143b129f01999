package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soheilhy/cmux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"go.klb.dev/clipd/internal/appclip"
	"go.klb.dev/clipd/internal/gateway"
	"go.klb.dev/clipd/internal/ipc"
	"go.klb.dev/clipd/internal/rpc"
	"go.klb.dev/clipd/internal/runloop"
	"go.klb.dev/clipd/internal/tlsconf"
	"go.klb.dev/clipd/internal/worker"
)

// shutdownGrace bounds the exit path: store-on-exit plus the native
// render-all round trip.
const shutdownGrace = 35 * time.Second

func newServeCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the clipboard daemon",
		Long: `Starts the clipd daemon. It takes the clipboard on behalf of "clipd copy"
and renders each advertised type only when another application asks for it.

The local socket is always served. --addr adds a TLS TCP listener that speaks
both gRPC and HTTP/JSON on one port; its key is derived from --token.

Precedence (lowest → highest): defaults → config file → CLIPD_* env vars → flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runServe(v) },
	}

	f := cmd.Flags()
	f.String("backend", "auto", backendHelp)
	f.String("addr", "", "TLS TCP listen address for gRPC and HTTP, e.g. 0.0.0.0:8752 (empty = local socket only)")
	f.String("token", "", "shared secret for auth and TLS key derivation")
	f.Duration("op-timeout", worker.DefaultTimeout, "deadline for one clipboard operation")
	f.Duration("render-timeout", worker.DefaultRenderTimeout, "how long a paste waits for content to render")
	f.Duration("retry-interval", worker.DefaultRetryInterval, "wait between attempts while the clipboard lock is held elsewhere")
	f.Int("retry-capacity", worker.DefaultRetryCapacity, "requests parked on lock contention before intake pauses")
	f.Bool("store-on-exit", true, "hand copied content to the OS clipboard before exiting")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func runServe(v *viper.Viper) error {
	defer setupLogging(v).Close()

	addr := v.GetString("addr")
	token := v.GetString("token")

	cb, err := openBackend(v.GetString("backend"))
	if err != nil {
		return err
	}

	slog.Info("clipd starting",
		"version", Version,
		"backend", cb.Name(),
		"addr", addr,
		"auth", token != "",
	)

	loop := runloop.New()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go func() { _ = loop.Run(loopCtx) }()

	clip, err := appclip.New(cb, loop, appclip.Options{
		Worker: worker.Options{
			Timeout:       v.GetDuration("op-timeout"),
			RenderTimeout: v.GetDuration("render-timeout"),
			RetryInterval: v.GetDuration("retry-interval"),
			RetryCapacity: v.GetInt("retry-capacity"),
		},
		StoreOnExit: v.GetBool("store-on-exit"),
	})
	if err != nil {
		_ = cb.Shutdown()
		return err
	}

	svc := rpc.New(clip, token, Version)
	gs := grpc.NewServer()
	rpc.Register(gs, svc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 4)
	report := func(err error) {
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	}

	// IPC socket for the copy/paste/status CLI tools.
	ipcLn, err := ipc.Listen()
	if err != nil {
		slog.Warn("IPC socket unavailable", "err", err)
	} else {
		slog.Info("IPC socket listening", "path", ipc.SocketPath())
		go func() { report(serveGRPC(gs, ipcLn)) }()
	}

	if addr != "" {
		if err := serveTCP(ctx, addr, token, gs, svc, report); err != nil {
			stop()
			shutdown(clip, gs)
			return err
		}
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err = <-errCh:
		slog.Error("listener failed", "err", err)
	}
	shutdown(clip, gs)
	return err
}

// serveTCP splits one TLS listener between gRPC and the HTTP gateway.
func serveTCP(ctx context.Context, addr, token string, gs *grpc.Server, svc *rpc.Service, report func(error)) error {
	tlsToken := token
	if tlsToken == "" {
		tlsToken = tlsconf.DefaultToken
		slog.Warn("no --token set: TCP listener uses the default TLS key and no auth", "addr", addr)
	}
	creds, err := tlsconf.New(tlsToken)
	if err != nil {
		return err
	}
	gw, err := gateway.New(svc)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	slog.Info("listening", "addr", ln.Addr(), "tls", true)

	m := cmux.New(tls.NewListener(ln, creds.Server))
	grpcL := m.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := m.Match(cmux.Any())

	go func() { report(serveGRPC(gs, grpcL)) }()
	go func() { report(gw.Serve(ctx, httpL)) }()
	go func() {
		if err := m.Serve(); err != nil && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
			report(fmt.Errorf("cmux: %w", err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	return nil
}

func serveGRPC(gs *grpc.Server, ln net.Listener) error {
	if err := gs.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc: %w", err)
	}
	return nil
}

// shutdown stores the content if configured, stops the worker and then the
// RPC server. Watch streams end when the clipboard closes.
func shutdown(clip *appclip.Clipboard, gs *grpc.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := clip.Close(ctx); err != nil {
		slog.Warn("clipboard shutdown", "err", err)
	}
	gs.Stop()
}
