package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipd/internal/rpc"
)

func newCopyCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy stdin to the clipboard (like pbcopy)",
		Long: `Reads stdin and makes it the clipboard content. The daemon advertises the
type and renders it when another application pastes.

Empty input clears the clipboard. --store hands the data to the OS clipboard
right away so it outlives the daemon.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runCopy(cmd, v) },
	}

	f := cmd.Flags()
	f.String("mime", "text/plain", "MIME type of the data being copied")
	f.Bool("store", false, "store the content in the OS clipboard immediately")
	addClientFlags(cmd)

	return cmd
}

func runCopy(cmd *cobra.Command, v *viper.Viper) error {
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	c, err := dial(v)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := clientContext(v)
	defer cancel()

	req := &rpc.CopyRequest{Source: v.GetString("source"), Store: v.GetBool("store")}
	if len(data) > 0 {
		req.Items = []rpc.Item{{Mime: v.GetString("mime"), Data: data}}
	}
	if _, err := c.Copy(ctx, req); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}
