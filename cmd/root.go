// Package cmd contains the CLI commands for matview
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Global vars needed for cobra CLI
var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var rootCmd = &cobra.Command{
	Use:   "matview",
	Short: "Incremental materialized views for ClickHouse",
	Long: `matview keeps a registry of SQL views stored in a blob store and
incrementally materializes them into ClickHouse tables, window by window,
in dependency order.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the config file (debug, info, warn, error)")
}

// newLogger builds the logger, the --log-level flag winning over the configured level.
func newLogger(configured string) (*logrus.Logger, error) {
	if logLevel != "" {
		configured = logLevel
	}

	level, err := logrus.ParseLevel(configured)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	return logger, nil
}
