package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudzz-dev/estatemsg/internal/config"
	"github.com/cloudzz-dev/estatemsg/internal/server/storage"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "estatemsg-server",
		Short: "Messaging backend for brokerage conversations",
		Long: `Messaging backend for brokerage conversations.

Serves the REST API, the websocket endpoint and the long-polling fallback
used by the terminal client.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a TOML config file")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newUserCommand(opts))

	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.ConfigPath)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (*storage.Store, error) {
	st, err := storage.Open(ctx, cfg.Driver, cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate",
		Short:         "Create missing tables and indexes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
