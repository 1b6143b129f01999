package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipd/internal/rpc"
)

func newClearCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:     "clear",
		Short:   "Empty the clipboard",
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := dial(v)
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := clientContext(v)
			defer cancel()
			if _, err := c.Clear(ctx, &rpc.ClearRequest{}); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newStoreCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Hand the daemon's content to the OS clipboard",
		Long: `Renders every advertised type now and gives the data to the OS clipboard,
so pastes keep working after the daemon exits.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := dial(v)
			if err != nil {
				return err
			}
			defer c.Close()
			ctx, cancel := clientContext(v)
			defer cancel()
			if _, err := c.Store(ctx, &rpc.StoreRequest{}); err != nil {
				return fmt.Errorf("store: %w", err)
			}
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}
