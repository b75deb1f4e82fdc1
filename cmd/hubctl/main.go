package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jwalitptl/eventhub/internal/app"
	"github.com/jwalitptl/eventhub/internal/config"
	"github.com/jwalitptl/eventhub/pkg/logger"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hubctl",
	Short: "Operate the eventhub event bus and notification router",
	Long: `hubctl runs one-off maintenance against the eventhub database:
retention purges, notification expiry, dead-letter inspection, and
credential helpers for API keys and bearer tokens.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("hubctl version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("config", "", "Path to config.yaml")
	rootCmd.PersistentFlags().Bool("verbose", false, "Log at debug level")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(purgeEventsCmd)
	rootCmd.AddCommand(expireNotificationsCmd)
	rootCmd.AddCommand(sweepConnectionsCmd)
	rootCmd.AddCommand(deadLettersCmd)
	rootCmd.AddCommand(hashAPIKeyCmd)
	rootCmd.AddCommand(issueTokenCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.LoadConfig(path)
}

func newLogger(cmd *cobra.Command) *logger.Logger {
	level := logger.WarnLevel
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = logger.DebugLevel
	}
	return logger.New(&logger.Config{Level: level, Output: os.Stderr}).WithComponent("hubctl")
}

// withApp builds the services against the configured database, hands them
// to fn and tears them down afterwards. tweak may adjust config first.
func withApp(cmd *cobra.Command, tweak func(*config.Config), fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if tweak != nil {
		tweak(cfg)
	}

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, newLogger(cmd), prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
