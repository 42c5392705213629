// Package main implements the rosync administrative CLI: a small cobra
// binary for triggering a sync cycle by hand, inspecting the outbox and
// conflict backlog, and wiping the local store. Grounded on the
// teacher's cmd/root.go (base-dir resolution via a --work-dir-style
// flag plus an env/cwd fallback, SilenceErrors, command grouping) and
// cmd/sync.go (opening the database and building a client fresh for
// each invocation rather than keeping a long-lived daemon).
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marcus/rosync/internal/wiring"
)

var (
	baseDirFlag   string
	serverURLFlag string
)

var rootCmd = &cobra.Command{
	Use:   "rosync",
	Short: "Administer the local offline-first sync store",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDirFlag, "base-dir", "", "directory holding rosync.db (default: $ROSYNC_BASE_DIR or cwd)")
	rootCmd.PersistentFlags().StringVar(&serverURLFlag, "server-url", "", "sync server base URL (default: $ROSYNC_SERVER_URL)")
	rootCmd.SilenceErrors = true

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "admin", Title: "Admin Commands:"},
	)
	rootCmd.SetHelpCommandGroupID("admin")
	rootCmd.SetCompletionCommandGroupID("admin")
}

func resolveBaseDir() (string, error) {
	if baseDirFlag != "" {
		if !filepath.IsAbs(baseDirFlag) {
			cwd, err := os.Getwd()
			if err != nil {
				return "", fmt.Errorf("determine working directory: %w", err)
			}
			return filepath.Join(cwd, baseDirFlag), nil
		}
		return baseDirFlag, nil
	}
	if v := os.Getenv("ROSYNC_BASE_DIR"); v != "" {
		return v, nil
	}
	return os.Getwd()
}

func resolveServerURL() string {
	if serverURLFlag != "" {
		return serverURLFlag
	}
	return os.Getenv("ROSYNC_SERVER_URL")
}

// openApp resolves the configured base dir/server URL and assembles a
// wiring.App for one command invocation. Callers are responsible for
// calling Close on the result.
func openApp() (*wiring.App, error) {
	baseDir, err := resolveBaseDir()
	if err != nil {
		return nil, err
	}
	serverURL := resolveServerURL()
	if serverURL == "" {
		return nil, fmt.Errorf("no server URL configured (set --server-url or ROSYNC_SERVER_URL)")
	}
	return wiring.Open(baseDir, serverURL)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
