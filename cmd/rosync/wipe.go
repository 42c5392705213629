package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/rosync/internal/cliout"
)

var wipeConfirmed bool

var wipeCmd = &cobra.Command{
	Use:     "wipe",
	Short:   "Delete every row from the local store (logout / tenant switch)",
	GroupID: "admin",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !wipeConfirmed {
			return fmt.Errorf("refusing to wipe without --yes")
		}

		app, err := openApp()
		if err != nil {
			cliout.Error("%v", err)
			return err
		}
		defer app.Close()

		if err := app.Store.Wipe(context.Background()); err != nil {
			cliout.Error("wipe: %v", err)
			return err
		}
		cliout.Success("local store wiped")
		return nil
	},
}

func init() {
	wipeCmd.Flags().BoolVar(&wipeConfirmed, "yes", false, "confirm the wipe")
	rootCmd.AddCommand(wipeCmd)
}
