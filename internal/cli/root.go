package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"btcwatch/internal/app"
	"btcwatch/internal/config"
	"btcwatch/internal/logging"
	"btcwatch/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "btcwatch",
	Short:         "Personal Bitcoin price alerts over Telegram",
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}
		return loadApp()
	},
}

func loadApp() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger := logging.NewLogger(cfg.Logging)
	logger.Debug().
		Str("environment", cfg.App.Environment).
		Str("database", cfg.Database.Driver).
		Str("cache", cfg.Cache.Backend).
		Msg("configuration loaded")
	appHandle = app.NewApp(cfg, logger)
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to configuration file (default ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level from config")
	rootCmd.SetVersionTemplate(version.String() + "\n")

	rootCmd.AddCommand(
		runCmd,
		alertsCmd,
		snapshotCmd,
		simulateCmd,
		showCmd,
		exportCmd,
		versionCmd,
	)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
