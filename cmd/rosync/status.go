package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/rosync/internal/cliout"
	"github.com/marcus/rosync/internal/model"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show outbox backlog, last cycle outcome, and unresolved conflicts",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			cliout.Error("%v", err)
			return err
		}
		defer app.Close()

		ctx := context.Background()

		summary, err := app.Outbox.GetStatusSummary(ctx)
		if err != nil {
			cliout.Error("outbox summary: %v", err)
			return err
		}
		fmt.Println("Outbox:")
		for _, status := range []model.Status{model.StatusPending, model.StatusInProgress, model.StatusSynced, model.StatusConflict, model.StatusFailed} {
			fmt.Printf("  %-12s %d\n", status, summary[status])
		}

		metrics := app.Engine.GetMetrics()
		fmt.Println("\nLast cycle:")
		fmt.Printf("  phase:     %s\n", metrics.Phase)
		fmt.Printf("  success:   %t\n", metrics.LastCycle.Success)
		if metrics.LastCycle.Reason != "" {
			fmt.Printf("  reason:    %s\n", metrics.LastCycle.Reason)
		}
		fmt.Printf("  pulled/pushed/conflicts/failed: %d/%d/%d/%d\n",
			metrics.LastCycle.Pulled, metrics.LastCycle.Pushed, metrics.LastCycle.Conflicts, metrics.LastCycle.Failed)

		if len(metrics.LastErrors) > 0 {
			fmt.Println("\nRecent errors:")
			for _, e := range metrics.LastErrors {
				fmt.Printf("  - %s\n", e)
			}
		}

		conflicts, err := app.Engine.ListUnresolvedConflicts(ctx)
		if err != nil {
			cliout.Error("list conflicts: %v", err)
			return err
		}
		if len(conflicts) == 0 {
			return nil
		}
		cliout.Warning("%d unresolved conflict(s)", len(conflicts))
		for _, c := range conflicts {
			fmt.Printf("  [%d] %s/%s detected at %d\n", c.ID, c.EntityType, c.EntityID, c.DetectedAt)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
