// Package ipc is the local channel between the clipd daemon and its CLI
// commands: gRPC over a Unix domain socket, or a named pipe on Windows.
//
// CLI sub-commands probe the socket first and fall back to the daemon's TCP
// listener only when it is absent.
package ipc

import (
	"context"
	"net"
	"os"
	"time"
)

// EnvSocket overrides the socket or pipe path.
const EnvSocket = "CLIPD_SOCKET"

// SocketPath returns the platform-appropriate path for the IPC socket.
//
//   - Linux:   $XDG_RUNTIME_DIR/clipd.sock, else $TMPDIR/clipd.sock
//   - macOS:   $TMPDIR/clipd.sock
//   - Windows: \\.\pipe\clipd
func SocketPath() string {
	if s := os.Getenv(EnvSocket); s != "" {
		return s
	}
	return socketPath()
}

// IsRunning reports whether a daemon appears to be listening. It does a
// cheap dial-and-close; no data is exchanged.
func IsRunning() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	c, err := DialContext(ctx, "")
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// Listen creates a listener on the IPC path, removing a stale socket from a
// previous run first.
func Listen() (net.Listener, error) {
	return listenIPC(SocketPath())
}

// DialContext connects to the IPC path. The address argument is ignored so
// the function can be passed to grpc.WithContextDialer directly.
func DialContext(ctx context.Context, _ string) (net.Conn, error) {
	return dialIPC(ctx, SocketPath())
}
