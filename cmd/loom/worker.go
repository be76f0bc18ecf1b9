package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/pkg/types"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Inspect the worker fleet",
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		tool, _ := cmd.Flags().GetString("tool")

		query := url.Values{}
		if state != "" {
			query.Set("state", state)
		}
		if tool != "" {
			query.Set("tool", tool)
		}

		var listing struct {
			Workers []*types.Worker `json:"workers"`
		}
		if err := newClient(cmd).get("/v1/workers", query, &listing); err != nil {
			return err
		}

		if len(listing.Workers) == 0 {
			fmt.Println("No workers")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tHOSTNAME\tSTATE\tLOAD\tTOOLS\tLAST HEARTBEAT")
		for _, worker := range listing.Workers {
			hb := "-"
			if !worker.LastHeartbeat.IsZero() {
				hb = time.Since(worker.LastHeartbeat).Round(time.Second).String() + " ago"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				worker.ID, worker.Hostname, worker.State, worker.Load,
				strings.Join(worker.Tools, ","), hb)
		}
		w.Flush()
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerListCmd)

	workerListCmd.Flags().String("state", "", "Filter by worker state")
	workerListCmd.Flags().String("tool", "", "Filter by offered tool")
}
