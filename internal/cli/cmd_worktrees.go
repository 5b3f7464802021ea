package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zuiho-kai/claude-manager/internal/gitx"
	"github.com/zuiho-kai/claude-manager/internal/worktree"
)

// newWorktreesCmd creates the worktrees command group
func newWorktreesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "worktrees",
		Aliases: []string{"wt"},
		Short:   "Inspect and manage the worktree pool",
	}
	cmd.AddCommand(newWorktreesListCmd())
	cmd.AddCommand(newWorktreesRmCmd())
	return cmd
}

func newWorktreesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List pool slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			wts, err := store.ListWorktrees()
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(wts)
			}
			if len(wts) == 0 {
				fmt.Println("No worktrees. The pool is provisioned by: ccm serve")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tBRANCH\tPATH")
			for _, wt := range wts {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", wt.ID, wt.Name, wt.Status, wt.Branch, wt.Path)
			}
			return w.Flush()
		},
	}
}

func newWorktreesRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <worktree-id>",
		Short: "Remove a pool slot and its checkout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid worktree id %q", args[0])
			}

			store, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			gitRunner := gitx.NewExecRunner()
			repoRoot := cfg.WorktreeBase
			if repoRoot == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				repoRoot, err = gitx.RepoRoot(gitRunner, cwd)
				if err != nil {
					return fmt.Errorf("not in a git repository: %w", err)
				}
			}

			pool := worktree.NewPool(store, gitRunner, repoRoot, 0, nil)
			if err := pool.Remove(id); err != nil {
				return err
			}
			fmt.Printf("Worktree %d removed\n", id)
			return nil
		},
	}
}
