package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/matview/pkg/engine"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the matview service",
	Long: `Runs the pass scheduler: update and materialize passes are triggered
on their configured schedules and executed by any running instance.`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, _ []string) error {
	// Silence usage on error
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

	logger.Info("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := engine.NewService(ctx, logger, config)
	if err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		return err
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	cancel()

	// Graceful shutdown
	return app.Stop()
}
