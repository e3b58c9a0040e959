// Command lotterydesk-sync runs and inspects the store's cloud sync outbox.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/lotterydesk/internal/config"
	"github.com/kimhsiao/lotterydesk/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

var (
	configPath string
	envFile    string
	dsnFlag    string
	storeFlag  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "lotterydesk-sync",
	Short:         "Cloud sync outbox for a lottery store terminal",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dsnFlag != "" {
			loaded.Database.DSN = dsnFlag
		}
		if storeFlag != "" {
			loaded.Store.ID = storeFlag
		}
		cfg = loaded
		logging.InitWithOptions(cfg.LoggingOptions())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Get().Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "database DSN (overrides database.dsn)")
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", "", "store id (overrides store.id)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "queue", Title: "Queue:"},
	)
	rootCmd.AddCommand(serveCmd, runOnceCmd, statusCmd, enqueueCmd, cleanupCmd, migrateCmd, deadLettersCmd, sealKeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
