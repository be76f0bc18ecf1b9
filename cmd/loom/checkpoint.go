package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/types"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Review and decide checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a task's checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, _ := cmd.Flags().GetString("task")
		if taskID == "" {
			return fmt.Errorf("--task is required")
		}

		var listing struct {
			Checkpoints []*types.Checkpoint `json:"checkpoints"`
		}
		query := url.Values{"task_id": []string{taskID}}
		if err := newClient(cmd).get("/v1/checkpoints", query, &listing); err != nil {
			return err
		}

		if len(listing.Checkpoints) == 0 {
			fmt.Println("No checkpoints")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTRIGGER\tSTATUS\tSCORE\tCREATED")
		for _, c := range listing.Checkpoints {
			score := "-"
			if c.Snapshot != nil && c.Snapshot.AggregateScore > 0 {
				score = fmt.Sprintf("%.1f", c.Snapshot.AggregateScore)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				c.ID, c.Trigger, c.Status, score, c.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		w.Flush()
		return nil
	},
}

var checkpointApproveCmd = &cobra.Command{
	Use:   "approve ID",
	Short: "Approve a pending checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")
		var ckpt types.Checkpoint
		err := newClient(cmd).post("/v1/checkpoints/"+args[0]+"/approve",
			map[string]any{"notes": notes}, &ckpt)
		if err != nil {
			return err
		}
		fmt.Printf("Checkpoint %s approved, task %s resumed\n", ckpt.ID, ckpt.TaskID)
		return nil
	},
}

var checkpointRejectCmd = &cobra.Command{
	Use:   "reject ID",
	Short: "Reject a pending checkpoint, failing the task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")
		var ckpt types.Checkpoint
		err := newClient(cmd).post("/v1/checkpoints/"+args[0]+"/reject",
			map[string]any{"notes": notes}, &ckpt)
		if err != nil {
			return err
		}
		fmt.Printf("Checkpoint %s rejected, task %s failed\n", ckpt.ID, ckpt.TaskID)
		return nil
	},
}

var checkpointCorrectCmd = &cobra.Command{
	Use:   "correct ID",
	Short: "Send a subtask back with corrective guidance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		subtaskID, _ := cmd.Flags().GetString("subtask")
		guidance, _ := cmd.Flags().GetString("guidance")
		category, _ := cmd.Flags().GetString("category")

		var corr types.Correction
		err := newClient(cmd).post("/v1/checkpoints/"+args[0]+"/correct", map[string]any{
			"subtask_id": subtaskID,
			"guidance":   guidance,
			"category":   category,
		}, &corr)
		if err != nil {
			return err
		}
		fmt.Printf("Correction %s recorded for subtask %s\n", corr.ID, corr.SubtaskID)
		return nil
	},
}

func init() {
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointApproveCmd)
	checkpointCmd.AddCommand(checkpointRejectCmd)
	checkpointCmd.AddCommand(checkpointCorrectCmd)

	checkpointListCmd.Flags().String("task", "", "Task ID")

	checkpointApproveCmd.Flags().String("notes", "", "Reviewer notes")
	checkpointRejectCmd.Flags().String("notes", "", "Reviewer notes")

	checkpointCorrectCmd.Flags().String("subtask", "", "Subtask to correct")
	checkpointCorrectCmd.Flags().String("guidance", "", "Corrective guidance")
	checkpointCorrectCmd.Flags().String("category", "", "Correction category")
	checkpointCorrectCmd.MarkFlagRequired("subtask")
	checkpointCorrectCmd.MarkFlagRequired("guidance")
}
