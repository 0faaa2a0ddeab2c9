package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags "-X ...cmd.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the flowguardd version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("flowguardd " + version)
		return nil
	},
}
