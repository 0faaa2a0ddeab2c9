// Command flowguardd runs a flowguard workflow execution engine node.
package main

import (
	"os"

	"github.com/swarmguard/flowguard/cmd/flowguardd/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
