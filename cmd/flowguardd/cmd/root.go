// Package cmd is the flowguardd command tree, grounded on the pack's
// cobra-based node-binary convention (tombee-conductor, cuemby-warren,
// cloudshipai-station all structure their daemons as a cobra root with
// serve/migrate/version subcommands) rather than the teacher's own bare
// flag.Parse-less main, since the teacher's orchestrator takes no CLI
// arguments at all.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "flowguardd",
	Short: "flowguardd runs a flowguard workflow execution engine node",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML/JSON config file (overrides defaults; FLOWGUARD_* env vars override both)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the command tree and returns the process exit code, per
// §6's exit code contract (0 graceful, 2 fatal config error, 3 persistence
// loss, 4 coordination loss). serveCmd sets exitCode directly since a
// long-running command can't express its fate through cobra's own
// err-or-nil RunE return alone.
func Execute() int {
	exitCode = 0
	if err := rootCmd.Execute(); err != nil {
		if exitCode == 0 {
			fmt.Fprintln(os.Stderr, err)
			exitCode = 2
		}
	}
	return exitCode
}

// exitCode is set by subcommands that need a specific §6 exit code rather
// than cobra's default "1 on any error".
var exitCode int
