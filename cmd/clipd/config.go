package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipd/internal/logging"
)

// envKeys maps flag names to env var suffixes: retry-interval → CLIPD_RETRY_INTERVAL.
var envKeys = strings.NewReplacer("-", "_")

// bindViper wires a command's flags into a viper instance with the standard
// config file search order and CLIPD_* env var prefix.
//
// Precedence (lowest → highest): defaults → config file → CLIPD_* env vars → flags
func bindViper(cmd *cobra.Command, v *viper.Viper) error {
	configFlag, _ := cmd.Flags().GetString("config")
	if configFlag != "" {
		v.SetConfigFile(configFlag)
	} else {
		v.SetConfigName("clipd")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/clipd/")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "clipd"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix("CLIPD")
	v.SetEnvKeyReplacer(envKeys)
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

// addLoggingFlags adds the standard logging flags to a command.
func addLoggingFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("no-background", false, "run interactively: tinter logs + debug level")
	cmd.Flags().String("log-format", "auto", "log format: auto|text|json")
	cmd.Flags().String("log-level", "", "log level: debug|info|warn|error (default: info for service, debug for interactive)")
	cmd.Flags().String("log-file", "", "write logs to this file, rotated at 10 MB")
}

// addConfigFlag adds the --config flag to a command.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to config file (overrides auto-discovery)")
}

// addClientFlags adds the flags every client sub-command shares.
func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("server", "", "daemon TCP address (host:port); empty uses the local socket")
	f.String("token", "", "shared secret")
	f.String("source", defaultSource(), "source identifier")
	f.Duration("timeout", 0, "give up after this long (0 = no limit)")
	addConfigFlag(cmd)
}

// setupLogging reads logging flags from viper and configures slog.
func setupLogging(v *viper.Viper) io.Closer {
	interactive := v.GetBool("no-background") || logging.IsTTY(os.Stderr)
	return resolveLogging(interactive, v.GetString("log-format"), v.GetString("log-level"), v.GetString("log-file"))
}
