//go:build !windows

package ipc

import (
	"context"
	"net"
	"os"
	"path/filepath"
)

func socketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "clipd.sock")
	}
	return filepath.Join(os.TempDir(), "clipd.sock")
}

func listenIPC(path string) (net.Listener, error) {
	// Remove stale socket from a previous (crashed) run.
	_ = os.Remove(path)
	return net.Listen("unix", path)
}

func dialIPC(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
