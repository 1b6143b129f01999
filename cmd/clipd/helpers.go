package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.klb.dev/clipd/internal/ipc"
	"go.klb.dev/clipd/internal/rpc"
	"go.klb.dev/clipd/internal/tlsconf"
)

func isContainerID(s string) bool {
	if len(s) < 12 || len(s) > 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// defaultSource returns a human-readable identifier for this host.
func defaultSource() string {
	for _, env := range []string{
		"CLIPD_SOURCE",
		"CONTAINER_NAME",
		"COMPOSE_SERVICE",
		"HOSTNAME_FRIENDLY",
	} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	if isContainerID(h) {
		return "container-" + h[:8]
	}
	return h
}

// conn is a client connection and a description of how it was reached.
type conn struct {
	*rpc.Client
	cc        *grpc.ClientConn
	transport string
}

func (c *conn) Close() error { return c.cc.Close() }

// dial connects to the daemon: the local socket unless --server is set, in
// which case TLS derived from --token is used.
func dial(v *viper.Viper) (*conn, error) {
	token := v.GetString("token")
	source := v.GetString("source")

	if server := v.GetString("server"); server != "" {
		tokenForTLS := token
		if tokenForTLS == "" {
			tokenForTLS = tlsconf.DefaultToken
		}
		creds, err := tlsconf.ClientCredentials(tokenForTLS)
		if err != nil {
			return nil, fmt.Errorf("tls credentials: %w", err)
		}
		opts := append(rpc.DialOptions(token, source, true), grpc.WithTransportCredentials(creds))
		cc, err := grpc.NewClient(server, opts...)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", server, err)
		}
		return &conn{Client: rpc.NewClient(cc), cc: cc, transport: "tcp (" + server + ")"}, nil
	}

	if !ipc.IsRunning() {
		return nil, fmt.Errorf("no clipd daemon at %s (start one with \"clipd serve\" or pass --server)", ipc.SocketPath())
	}
	// The socket is local and owner-restricted by the OS; no TLS.
	opts := append(rpc.DialOptions(token, source, false),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(ipc.DialContext),
	)
	cc, err := grpc.NewClient("passthrough:///clipd", opts...)
	if err != nil {
		return nil, fmt.Errorf("dial ipc: %w", err)
	}
	return &conn{Client: rpc.NewClient(cc), cc: cc, transport: "ipc (" + ipc.SocketPath() + ")"}, nil
}

// clientContext applies --timeout.
func clientContext(v *viper.Viper) (context.Context, context.CancelFunc) {
	if d := v.GetDuration("timeout"); d > 0 {
		return context.WithTimeout(context.Background(), d)
	}
	return context.WithCancel(context.Background())
}

func fmtAge(t time.Time) string {
	age := time.Since(t).Round(time.Second)
	if age < time.Minute {
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	}
	if age < time.Hour {
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	}
	return t.Format("15:04:05")
}
