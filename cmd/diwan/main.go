package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/diwan-erp/diwan/cmd/diwan/commands"
	"github.com/diwan-erp/diwan/config"
	"github.com/diwan-erp/diwan/logger"
)

var rootCmd = &cobra.Command{
	Use:   "diwan",
	Short: "Diwan - scheduled jobs and notification delivery for the admin dashboard",
	Long: `Diwan runs the background machinery behind the ERP admin dashboard:
a cron-driven job scheduler with execution history and dead-letter
escalation, a persistent notification delivery queue with retry and
backoff, and the status/control API the dashboard talks to.

Examples:
  diwan serve              # Start the scheduler, queue, and API server
  diwan db migrate         # Apply pending database migrations
  diwan version            # Show version information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(resolveJSONLogs(cmd)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

// resolveJSONLogs prefers an explicit --json-logs flag, falling back to
// the log.json config value when the flag was not given.
func resolveJSONLogs(cmd *cobra.Command) bool {
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	if cmd.Flags().Changed("json-logs") {
		return jsonLogs
	}

	var (
		cfg *config.Config
		err error
	)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return jsonLogs
	}
	return cfg.Log.JSON
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: diwan.toml found upward from cwd)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
