package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/matview/pkg/engine"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var (
	updateCmd = &cobra.Command{
		Use:   "update",
		Short: "Run one update pass",
		Long:  `Syncs the view registry with the blob store once and exits.`,
		RunE:  passRunner(engine.PassUpdate),
	}

	materializeCmd = &cobra.Command{
		Use:   "materialize",
		Short: "Run one materialize pass",
		Long: `Materializes every due view once and exits. The pass is skipped
when another update or materialize pass holds the locks.`,
		RunE: passRunner(engine.PassMaterialize),
	}
)

func init() {
	rootCmd.AddCommand(updateCmd, materializeCmd)
}

func passRunner(pass string) func(cmd *cobra.Command, _ []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true
		cmd.SilenceErrors = true

		config, err := loadConfigFromFile(cfgFile)
		if err != nil {
			return err
		}

		logger, err := newLogger(config.Logging)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		app, err := engine.NewService(ctx, logger, config)
		if err != nil {
			return err
		}

		defer func() {
			if err := app.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close connections")
			}
		}()

		return app.RunOnce(ctx, pass)
	}
}
