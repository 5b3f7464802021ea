package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zuiho-kai/claude-manager/internal/api"
	"github.com/zuiho-kai/claude-manager/internal/events"
	"github.com/zuiho-kai/claude-manager/internal/gitx"
	"github.com/zuiho-kai/claude-manager/internal/plan"
	"github.com/zuiho-kai/claude-manager/internal/progress"
	"github.com/zuiho-kai/claude-manager/internal/runner"
	"github.com/zuiho-kai/claude-manager/internal/scheduler"
	"github.com/zuiho-kai/claude-manager/internal/worktree"
)

// newServeCmd creates the serve command
func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and HTTP API",
		Long: `Start the ccm daemon: opens the database, provisions the worktree
pool when run inside a git repository, starts the scheduler and serves
the HTTP/WebSocket API until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if addr != "" {
				cfg.Addr = addr
			}
			logger := slog.Default()

			gitRunner := gitx.NewExecRunner()
			repoRoot := cfg.WorktreeBase
			if repoRoot == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				repoRoot, err = gitx.RepoRoot(gitRunner, cwd)
				if err != nil {
					logger.Warn("not in a git repository, worktree pool disabled")
					repoRoot = ""
				}
			}

			poolSize := cfg.PoolSize
			if repoRoot == "" {
				poolSize = 0
			}
			pool := worktree.NewPool(store, gitRunner, repoRoot, poolSize, logger)
			if err := pool.Init(); err != nil {
				return fmt.Errorf("init worktree pool: %w", err)
			}

			publisher := events.NewMemoryPublisher()
			defer publisher.Close()

			recorder := progress.NewRecorder(store, cfg.ProgressPath, logger)
			run := runner.New(store, publisher, cfg.AgentBin, logger)

			var sched *scheduler.Scheduler
			plans := plan.NewService(store, func() {
				if sched != nil {
					sched.Notify()
				}
			}, logger)

			sched = scheduler.New(store, pool, publisher, run.Run, plans, recorder,
				cfg.MaxConcurrent, logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched.Start(ctx)

			server := api.NewServer(cfg.Addr, store, sched, pool, plans, recorder,
				publisher, cfg.ExperienceLimit, logger)
			if err := server.Start(); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
			sched.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}
