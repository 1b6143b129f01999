//go:build !windows

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"

	"go.klb.dev/clipd/internal/appclip"
	"go.klb.dev/clipd/internal/ipc"
	"go.klb.dev/clipd/internal/native/memclip"
	"go.klb.dev/clipd/internal/rpc"
	"go.klb.dev/clipd/internal/runloop"
	"go.klb.dev/clipd/internal/worker"
)

// startDaemon serves a memory-backed clipboard on a private IPC socket.
func startDaemon(t *testing.T) {
	t.Helper()
	t.Setenv(ipc.EnvSocket, filepath.Join(t.TempDir(), "clipd.sock"))
	t.Setenv("HOME", t.TempDir())

	loop := runloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	clip, err := appclip.New(memclip.New().Connect("daemon"), loop, appclip.Options{
		Worker: worker.Options{RetryInterval: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	gs := grpc.NewServer()
	rpc.Register(gs, rpc.New(clip, "", "test"))
	ln, err := ipc.Listen()
	require.NoError(t, err)
	go func() { _ = gs.Serve(ln) }()

	t.Cleanup(func() {
		shutdown(clip, gs)
		cancel()
	})
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCopyPasteRoundTrip(t *testing.T) {
	startDaemon(t)

	_, err := run(t, "hello clipboard", "copy", "--source", "me")
	require.NoError(t, err)

	out, err := run(t, "", "paste")
	require.NoError(t, err)
	assert.Equal(t, "hello clipboard", out)

	// Unavailable type prints nothing unless --strict.
	out, err = run(t, "", "paste", "--mime", "image/png")
	require.NoError(t, err)
	assert.Empty(t, out)
	_, err = run(t, "", "paste", "--mime", "image/png", "--strict")
	assert.Error(t, err)

	out, err = run(t, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "copied by me")
	assert.Contains(t, out, "text/plain;charset=utf-8")

	_, err = run(t, "", "clear")
	require.NoError(t, err)
	out, err = run(t, "", "status", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"self": false`)
}

func TestClientWithoutDaemon(t *testing.T) {
	t.Setenv(ipc.EnvSocket, filepath.Join(t.TempDir(), "none.sock"))
	t.Setenv("HOME", t.TempDir())
	_, err := run(t, "", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no clipd daemon")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "clipd dev\n", out)
}

func TestDescribeUpdate(t *testing.T) {
	at := timestamppb.New(time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local))
	assert.Equal(t, "03:04:05  copied by me: text/plain",
		describeUpdate(&rpc.WatchResponse{Local: true, Source: "me", Types: []string{"text/plain"}, At: at}))
	assert.Equal(t, "03:04:05  taken by window 0x10",
		describeUpdate(&rpc.WatchResponse{Owner: 0x10, At: at}))
	assert.Equal(t, "--:--:--  cleared", describeUpdate(&rpc.WatchResponse{}))
}

func TestIsContainerID(t *testing.T) {
	assert.True(t, isContainerID("0123456789abcdef"))
	assert.False(t, isContainerID("my-laptop"))
	assert.False(t, isContainerID("abc"))
}
