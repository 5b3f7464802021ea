// Package cli implements the ccm command-line interface.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/zuiho-kai/claude-manager/internal/config"
	"github.com/zuiho-kai/claude-manager/internal/db"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ccm",
	Short: "Task manager for pools of coding agents",
	Long: `ccm queues prompts, dispatches them onto a pool of agent CLI
subprocesses running in isolated git worktrees, and streams their
output live over HTTP and WebSocket.

Quick start:
  ccm serve                       Start the scheduler and API
  ccm new "Fix the login bug"     Queue a task
  ccm list                        List tasks
  ccm plan new "Ship feature X"   Draft a multi-step plan`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .ccm/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newNewCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newShowCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newWorktreesCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadConfig reads settings honoring the --config flag.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// openStore opens the configured database for one-shot commands.
func openStore() (*db.DB, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}
