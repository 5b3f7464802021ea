package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zuiho-kai/claude-manager/internal/plan"
)

// newPlanCmd creates the plan command group
func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage multi-step plans",
	}
	cmd.AddCommand(newPlanNewCmd())
	cmd.AddCommand(newPlanListCmd())
	cmd.AddCommand(newPlanShowCmd())
	cmd.AddCommand(newPlanApproveCmd())
	return cmd
}

func planService() (*plan.Service, func(), error) {
	store, _, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	return plan.NewService(store, nil, nil), func() { _ = store.Close() }, nil
}

func newPlanNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new <goal>",
		Short: "Create a plan group and queue its planner task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, closeStore, err := planService()
			if err != nil {
				return err
			}
			defer closeStore()

			groupID, taskID, err := plans.Create(args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"group_id": groupID, "task_id": taskID,
				})
			}
			fmt.Printf("Plan group %d created, planner task %d queued\n", groupID, taskID)
			fmt.Println("The plan reaches 'reviewing' once the planner finishes; approve it with: ccm plan approve", groupID)
			return nil
		},
	}
}

func newPlanListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List plan groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, closeStore, err := planService()
			if err != nil {
				return err
			}
			defer closeStore()

			groups, err := plans.List()
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(groups)
			}
			if len(groups) == 0 {
				fmt.Println("No plan groups. Create one with: ccm plan new \"Your goal\"")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tGOAL")
			for _, g := range groups {
				fmt.Fprintf(w, "%d\t%s\t%s\n", g.ID, g.Status, truncate(g.Goal, 60))
			}
			return w.Flush()
		},
	}
}

func newPlanShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <group-id>",
		Short: "Show a plan group, its steps and subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid group id %q", args[0])
			}

			plans, closeStore, err := planService()
			if err != nil {
				return err
			}
			defer closeStore()

			detail, err := plans.GetDetail(id)
			if err != nil {
				return err
			}
			if detail == nil {
				return fmt.Errorf("plan group %d not found", id)
			}
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(detail)
			}

			fmt.Printf("Plan group %d  [%s]\nGoal: %s\n", detail.ID, detail.Status, detail.Goal)
			if len(detail.Steps) > 0 {
				fmt.Printf("\nSteps (%d):\n", len(detail.Steps))
				for i, step := range detail.Steps {
					fmt.Printf("  %d. %s\n", i+1, step.Title)
					if step.Description != "" {
						fmt.Printf("     %s\n", step.Description)
					}
				}
			}
			if len(detail.Tasks) > 0 {
				fmt.Printf("\nTasks:\n")
				for _, t := range detail.Tasks {
					fmt.Printf("  %d  [%s]  %s\n", t.ID, t.Status, truncate(t.Prompt, 60))
				}
			}
			return nil
		},
	}
}

func newPlanApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <group-id>",
		Short: "Approve a reviewed plan and queue its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid group id %q", args[0])
			}

			plans, closeStore, err := planService()
			if err != nil {
				return err
			}
			defer closeStore()

			taskIDs, err := plans.Approve(id)
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{"subtask_ids": taskIDs})
			}
			fmt.Printf("Plan group %d approved, %d subtasks queued\n", id, len(taskIDs))
			return nil
		},
	}
}
