package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/krew-solutions/courier-go/courier/config"
)

type rootOptions struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "courier",
		Short: "Courier - routing slip saga engine",
		Long: `Courier runs sagas described by routing slips. Every step is executed
by the activity host at its address; when a step faults, the completed
steps are compensated in reverse order.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.configPath == "" {
				opts.cfg, err = config.Default()
			} else {
				opts.cfg, err = config.Load(opts.configPath)
			}
			if err != nil {
				return err
			}
			opts.logger = opts.cfg.Logging.NewLogger(cmd.ErrOrStderr())
			slog.SetDefault(opts.logger)
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML configuration")

	cmd.AddCommand(
		newRunCmd(opts),
		newInspectCmd(opts),
		newListCmd(opts),
		newMigrateCmd(opts),
	)
	return cmd
}
