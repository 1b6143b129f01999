// clipd: clipboard daemon with delayed rendering and a gRPC/HTTP front end.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"go.klb.dev/clipd/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "clipd",
		Short: "Clipboard daemon",
		Long: `clipd owns the system clipboard on behalf of local tools. Content is
advertised by type and rendered only when another application pastes it.

Run "clipd serve" once per desktop session. "clipd copy/paste/clear/store/
status/watch" talk to it over a local socket (a named pipe on Windows), or
over TLS TCP with --server.

Config file search order (first found wins):
  /etc/clipd/clipd.toml
  $HOME/.config/clipd/clipd.toml
  path supplied via --config

All flags can be set via CLIPD_<FLAG> env vars or config-file keys.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newCopyCmd(),
		newPasteCmd(),
		newClearCmd(),
		newStoreCmd(),
		newStatusCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "clipd %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
func resolveLogging(interactive bool, formatStr, levelStr, file string) io.Closer {
	level := logging.ParseLevel(levelStr)
	if levelStr == "" {
		if interactive {
			level = logging.ParseLevel("debug")
		} else {
			level = logging.ParseLevel("info")
		}
	}
	return logging.Setup(logging.Config{
		Format:     logging.ParseFormat(formatStr),
		Level:      level,
		File:       file,
		MaxSizeMB:  10,
		MaxBackups: 3,
	})
}
