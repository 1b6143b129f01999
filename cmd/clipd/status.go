package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipd/internal/rpc"
)

func newStatusCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show clipboard ownership and daemon state",
		Long: `Displays who owns the clipboard, what the daemon is offering and how many
requests are waiting on the clipboard lock.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runStatus(cmd, v) },
	}

	cmd.Flags().Bool("json", false, "output raw JSON")
	addClientFlags(cmd)

	return cmd
}

func runStatus(cmd *cobra.Command, v *viper.Viper) error {
	c, err := dial(v)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := clientContext(v)
	defer cancel()

	resp, err := c.Status(ctx, &rpc.StatusRequest{})
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	out := cmd.OutOrStdout()
	if v.GetBool("json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	printStatus(out, resp, c.transport)
	return nil
}

func printStatus(out io.Writer, resp *rpc.StatusResponse, transport string) {
	w := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Transport:\t%s\n", transport)
	fmt.Fprintf(w, "Daemon:\t%s (%s backend)\n", resp.Version, resp.Backend)

	owner := "none"
	switch {
	case resp.Self:
		owner = "clipd"
		if resp.Source != "" {
			owner += " (copied by " + resp.Source + ")"
		}
	case resp.Owner != 0:
		owner = fmt.Sprintf("window %#x", resp.Owner)
	}
	fmt.Fprintf(w, "Owner:\t%s\n", owner)
	if resp.ChangedAt != nil {
		t := resp.ChangedAt.AsTime()
		fmt.Fprintf(w, "Changed:\t%s (%s)\n", t.Local().Format(time.RFC3339), fmtAge(t))
	}
	fmt.Fprintf(w, "Generation:\t%d\n", resp.Generation)

	types := "-"
	if len(resp.Types) > 0 {
		types = strings.Join(resp.Types, ", ")
	}
	fmt.Fprintf(w, "Offering:\t%s\n", types)
	fmt.Fprintf(w, "Advertised formats:\t%d\n", resp.Advertised)
	fmt.Fprintf(w, "Queued / retrying:\t%d / %d\n", resp.Queued, resp.Retrying)
	fmt.Fprintf(w, "Watchers:\t%d\n", resp.Watchers)
	_ = w.Flush()
}
