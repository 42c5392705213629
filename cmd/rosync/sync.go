package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/rosync/internal/cliout"
	"github.com/marcus/rosync/internal/syncengine"
)

var syncFullRefresh bool

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Run one sync cycle against the configured server",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := openApp()
		if err != nil {
			cliout.Error("%v", err)
			return err
		}
		defer app.Close()

		ctx := context.Background()
		if err := app.Engine.Init(ctx); err != nil {
			cliout.Error("init engine: %v", err)
			return err
		}

		result, err := app.Engine.Sync(ctx, syncengine.SyncOptions{FullRefresh: syncFullRefresh})
		if err != nil {
			cliout.Error("sync failed: %v", err)
			return err
		}

		cliout.Success("sync complete in %s", result.Duration)
		fmt.Printf("  pulled:    %d\n", result.Pulled)
		fmt.Printf("  pushed:    %d\n", result.Pushed)
		fmt.Printf("  conflicts: %d\n", result.Conflicts)
		fmt.Printf("  failed:    %d\n", result.Failed)
		if result.Conflicts > 0 {
			cliout.Warning("unresolved conflicts recorded — see `rosync status`")
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncFullRefresh, "full", false, "replace local data with the server's copy instead of merging")
	rootCmd.AddCommand(syncCmd)
}
