package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipd/internal/rpc"
)

func newWatchCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print a line whenever the clipboard changes",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindViper(cmd, v)
		},
		RunE: func(cmd *cobra.Command, _ []string) error { return runWatch(cmd, v) },
	}

	cmd.Flags().Bool("json", false, "one JSON object per line")
	addClientFlags(cmd)

	return cmd
}

func runWatch(cmd *cobra.Command, v *viper.Viper) error {
	c, err := dial(v)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := clientContext(v)
	defer cancel()

	stream, err := c.Watch(ctx, &rpc.WatchRequest{})
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	for {
		u, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watch: %w", err)
		}
		if v.GetBool("json") {
			if err := enc.Encode(u); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintln(out, describeUpdate(u))
	}
}

func describeUpdate(u *rpc.WatchResponse) string {
	at := "--:--:--"
	if u.At != nil {
		at = u.At.AsTime().Local().Format(time.TimeOnly)
	}
	switch {
	case u.Local:
		return fmt.Sprintf("%s  copied by %s: %s", at, u.Source, strings.Join(u.Types, ", "))
	case u.Owner != 0:
		return fmt.Sprintf("%s  taken by window %#x", at, u.Owner)
	}
	return at + "  cleared"
}
