package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/krew-solutions/courier-go/courier/config"
	pgstore "github.com/krew-solutions/courier-go/courier/store/pg"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres tables of the store and the outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !root.cfg.UsesPostgres() {
				return errPostgresRequired
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, root.cfg, root.logger)
			if err != nil {
				return err
			}
			defer closeApp(a, root.logger)

			if root.cfg.Store.Driver == config.StorePostgres {
				if err := pgstore.NewStore(a.pool, root.cfg.Store.Postgres.Table).Setup(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created store table %s\n", root.cfg.Store.Postgres.Table)
			}
			if root.cfg.Transport.Driver == config.TransportOutbox {
				ob, err := a.outbox()
				if err != nil {
					return err
				}
				if err := ob.Setup(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created outbox tables %s, %s\n",
					root.cfg.Transport.Outbox.Table, root.cfg.Transport.Outbox.OffsetsTable)
			}
			return nil
		},
	}
}
