package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.klb.dev/clipd/internal/rpc"
)

func newPasteCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "paste",
		Short: "Print the clipboard to stdout (like pbpaste)",
		Long: `Retrieves the clipboard content and writes it to stdout.

--mime may be repeated or comma-separated; the first type the clipboard can
provide wins. If none is available nothing is printed (exit 0). To retrieve
an image:

  clipd paste --mime image/png > screenshot.png`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runPaste(cmd, v) },
	}

	f := cmd.Flags()
	f.StringSlice("mime", []string{"text/plain"}, "acceptable MIME types in preference order")
	f.Bool("strict", false, "exit non-zero when no requested type is available")
	addClientFlags(cmd)

	return cmd
}

func runPaste(cmd *cobra.Command, v *viper.Viper) error {
	c, err := dial(v)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := clientContext(v)
	defer cancel()

	resp, err := c.Paste(ctx, &rpc.PasteRequest{Accepts: v.GetStringSlice("mime")})
	if status.Code(err) == codes.NotFound && !v.GetBool("strict") {
		// Requested type not present: print nothing (pbpaste behaviour).
		return nil
	}
	if err != nil {
		return fmt.Errorf("paste: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(resp.Item.Data)
	return err
}
