/*
main.go - Application entry point

PURPOSE:
  The progression command: runs the HTTP server and validates catalogs.

COMMANDS:
  progression serve [--port N]          Start the API server
  progression catalog validate <file>   Check a catalog JSON file
  progression catalog dump              Print the built-in catalog

CONFIGURATION:
  config.yaml in the working directory, overridden by PROGRESSION_*
  environment variables (PROGRESSION_STORE_DRIVER=sqlite, ...).
  See config/config.go for every key and its default.

SEE ALSO:
  - serve.go: Dependency wiring and graceful shutdown
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/progression-engine/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "progression",
	Short: "Learner progression, rewards and attempt scoring engine",
	Long:  "Scores exercise attempts and commits XP, ranks, achievements and currency to a per-learner ledger.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
