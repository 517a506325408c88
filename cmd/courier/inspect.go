package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/krew-solutions/courier-go/courier/saga"
)

func newInspectCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <tracking-number>",
		Short: "Print a routing slip from the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trackingNumber, err := saga.ParseTrackingNumber(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), root.cfg, root.logger)
			if err != nil {
				return err
			}
			defer closeApp(a, root.logger)

			store, err := a.openStore()
			if err != nil {
				return err
			}
			slip, err := store.Load(cmd.Context(), trackingNumber)
			if err != nil {
				return err
			}
			return printSlip(cmd.OutOrStdout(), slip)
		},
	}
}

func newListCmd(root *rootOptions) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List routing slips in a state",
		Example: `  courier list --state compensation-failed`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := saga.ParseState(state)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), root.cfg, root.logger)
			if err != nil {
				return err
			}
			defer closeApp(a, root.logger)

			store, err := a.openStore()
			if err != nil {
				return err
			}
			slips, err := store.FindByState(cmd.Context(), s)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TRACKING NUMBER\tSTATE\tVERSION\tPENDING\tLOGS")
			for _, slip := range slips {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
					slip.TrackingNumber(), slip.State(), slip.Version(),
					len(slip.Itinerary()), len(slip.ActivityLogs()))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&state, "state", "s", string(saga.StateCompensationFailed), "routing slip state")
	return cmd
}

func closeApp(a *app, logger *slog.Logger) {
	if err := a.Close(); err != nil {
		logger.Warn("closing resources failed", slog.Any("error", err))
	}
}
