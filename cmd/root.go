package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/submission-grader/internal/config"
)

var cfg *config.Config

// dryRunStartup is bound to --dry-run-startup: validate config and role
// wiring, then exit zero without running the role's loop.
var dryRunStartup bool

var rootCmd = &cobra.Command{
	Use:   "submission-grader",
	Short: "Durable work-claim scheduler for async submission grading",
	Long:  "Moves candidate submissions through telegram_ingest, normalize, evaluate, and deliver stages via a Postgres-backed claim repository, one CLI role per stage.",
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
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&dryRunStartup, "dry-run-startup", false, "validate config and role wiring, then exit 0")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
