package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/orchestrator"
	"github.com/loomctl/loom/pkg/types"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit DESCRIPTION",
	Short: "Submit a new task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		frequency, _ := cmd.Flags().GetString("frequency")
		privacy, _ := cmd.Flags().GetString("privacy")
		tools, _ := cmd.Flags().GetStringArray("tool")
		requirements, _ := cmd.Flags().GetStringArray("requirement")

		var task types.Task
		err := newClient(cmd).post("/v1/tasks", map[string]any{
			"description":          args[0],
			"checkpoint_frequency": frequency,
			"privacy":              privacy,
			"preferred_tools":      tools,
			"requirements":         requirements,
		}, &task)
		if err != nil {
			return err
		}

		fmt.Printf("Task submitted\n")
		fmt.Printf("  ID:        %s\n", task.ID)
		fmt.Printf("  State:     %s\n", task.State)
		fmt.Printf("  Frequency: %s\n", task.Config.CheckpointFrequency)
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a task with its subtasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var detail orchestrator.TaskDetail
		if err := newClient(cmd).get("/v1/tasks/"+args[0], nil, &detail); err != nil {
			return err
		}

		t := detail.Task
		fmt.Printf("Task %s\n", t.ID)
		fmt.Printf("  Description: %s\n", t.Description)
		fmt.Printf("  State:       %s\n", t.State)
		fmt.Printf("  Progress:    %d%%\n", t.Progress)
		if detail.AggregateScore > 0 {
			fmt.Printf("  Score:       %.1f\n", detail.AggregateScore)
		}
		if t.Error != "" {
			fmt.Printf("  Error:       %s\n", t.Error)
		}
		if detail.Checkpoint != nil {
			fmt.Printf("  Checkpoint:  %s (%s, %s)\n",
				detail.Checkpoint.ID, detail.Checkpoint.Trigger, detail.Checkpoint.Status)
		}

		if len(detail.Subtasks) > 0 {
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tSTATE\tWORKER\tSCORE")
			for _, s := range detail.Subtasks {
				score := "-"
				if s.Score != nil {
					score = fmt.Sprintf("%.1f", *s.Score)
				}
				worker := s.AssignedWorker
				if worker == "" {
					worker = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Kind, s.State, worker, score)
			}
			w.Flush()
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		page, _ := cmd.Flags().GetInt("page")
		perPage, _ := cmd.Flags().GetInt("per-page")

		query := url.Values{}
		if status != "" {
			query.Set("status", status)
		}
		if page > 0 {
			query.Set("page", strconv.Itoa(page))
			query.Set("per_page", strconv.Itoa(perPage))
		}

		var listing struct {
			Tasks []*types.Task `json:"tasks"`
			Total int           `json:"total"`
		}
		if err := newClient(cmd).get("/v1/tasks", query, &listing); err != nil {
			return err
		}

		if len(listing.Tasks) == 0 {
			fmt.Println("No tasks")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tPROGRESS\tDESCRIPTION")
		for _, t := range listing.Tasks {
			desc := t.Description
			if len(desc) > 60 {
				desc = desc[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\n", t.ID, t.State, t.Progress, desc)
		}
		w.Flush()
		fmt.Printf("\n%d task(s)\n", listing.Total)
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var task types.Task
		if err := newClient(cmd).delete("/v1/tasks/"+args[0], &task); err != nil {
			return err
		}
		fmt.Printf("Task %s is %s\n", task.ID, task.State)
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)

	taskSubmitCmd.Flags().String("frequency", "", "Checkpoint frequency: low, medium or high")
	taskSubmitCmd.Flags().String("privacy", "", "Privacy level: normal or sensitive")
	taskSubmitCmd.Flags().StringArray("tool", nil, "Preferred tool (repeatable)")
	taskSubmitCmd.Flags().StringArray("requirement", nil, "Additional requirement (repeatable)")

	taskListCmd.Flags().String("status", "", "Filter by task state")
	taskListCmd.Flags().Int("page", 0, "Page number")
	taskListCmd.Flags().Int("per-page", 20, "Tasks per page")
}
