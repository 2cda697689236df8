package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kidguard/kidguard/internal/config"
	"github.com/kidguard/kidguard/internal/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "kidguard",
	Short: "Device liveness monitoring and alert scoring for kidguard",
	Long: `kidguard watches children's paired devices for lost heartbeats and
scores captured content through the alert processing queue.

Get started:
  kidguard migrate        Create or upgrade the database schema
  kidguard doctor         Verify configuration and connectivity
  kidguard serve          Run the scheduler, ingestion and admin API
  kidguard healthcheck    Run one device liveness pass
  kidguard queue health   Show the alert queue health summary`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go. Commands run under a
// context cancelled by SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.kidguard/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"print command results as JSON")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		serveCmd,
		healthcheckCmd,
		devicesCmd,
		queueCmd,
		subscriptionsCmd,
		usersCmd,
		jobsCmd,
		migrateCmd,
		doctorCmd,
		configCmd,
	)
}

// newLogger builds the process logger. --verbose switches to the console
// encoder at debug level.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, format := cfg.Log.Level, cfg.Log.Format
	if verbose {
		level, format = "debug", "console"
	}
	return logging.New(level, format, "kidguard")
}
