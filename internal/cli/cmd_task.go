package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/zuiho-kai/claude-manager/internal/db"
)

// newNewCmd creates the new command
func newNewCmd() *cobra.Command {
	var priority int
	var mode, cwd string

	cmd := &cobra.Command{
		Use:   "new <prompt>",
		Short: "Queue a new task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			id, err := store.CreateTask(&db.Task{
				Prompt:   args[0],
				Priority: priority,
				Mode:     mode,
				Cwd:      cwd,
			})
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{"id": id, "status": db.StatusQueued})
			}
			fmt.Printf("Task %d queued\n", id)
			return nil
		},
	}

	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "dispatch priority (higher first)")
	cmd.Flags().StringVar(&mode, "mode", db.ModeExecute, "task mode (execute or plan)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory when no worktree is available")
	return cmd
}

// newListCmd creates the list command
func newListCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			tasks, err := store.ListTasks(db.ListOpts{Status: status, Limit: limit})
			if err != nil {
				return err
			}

			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(tasks)
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks found. Create one with: ccm new \"Your prompt\"")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tMODE\tPRI\tCOST\tPROMPT")
			for _, t := range tasks {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t$%.4f\t%s\n",
					t.ID, t.Status, t.Mode, t.Priority, t.CostUSD, truncate(t.Prompt, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (0 = all)")
	return cmd
}

// newShowCmd creates the show command
func newShowCmd() *cobra.Command {
	var withLogs bool

	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}

			store, _, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			task, err := store.GetTask(id)
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %d not found", id)
			}

			if jsonOut {
				logs, err := store.ListEvents(id)
				if err != nil {
					return err
				}
				return json.NewEncoder(os.Stdout).Encode(map[string]any{"task": task, "logs": logs})
			}

			fmt.Printf("Task %d  [%s]  mode=%s  priority=%d  cost=$%.4f\n",
				task.ID, task.Status, task.Mode, task.Priority, task.CostUSD)
			fmt.Printf("Created: %s\n", task.CreatedAt.Format("2006-01-02 15:04:05"))
			if task.FinishedAt != nil {
				fmt.Printf("Finished: %s\n", task.FinishedAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Printf("\nPrompt:\n%s\n", task.Prompt)
			if task.ResultText != "" {
				fmt.Printf("\nResult:\n%s\n", task.ResultText)
			}

			if withLogs {
				logs, err := store.ListEvents(id)
				if err != nil {
					return err
				}
				fmt.Printf("\nEvents (%d):\n", len(logs))
				for _, ev := range logs {
					fmt.Printf("  %6d  %-11s  %s\n", ev.ID, ev.EventType, truncate(eventSummary(ev.Payload), 80))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withLogs, "logs", false, "include the event log")
	return cmd
}

// eventSummary pulls the most readable field out of an event payload.
func eventSummary(payload string) string {
	for _, key := range []string{"result", "text", "message.content.0.text", "type"} {
		if v := gjson.Get(payload, key).String(); v != "" {
			return v
		}
	}
	return payload
}

// newCancelCmd creates the cancel command
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}

			store, _, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			applied, err := store.CancelTask(id)
			if err != nil {
				return err
			}
			if !applied {
				return fmt.Errorf("task %d is not queued or running", id)
			}
			fmt.Printf("Task %d cancelled\n", id)
			return nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
