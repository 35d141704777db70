// Package cli defines the octoporty command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "octoporty",
	Short: "Self-hosted tunnel between a public gateway and a private agent",
	Long: "Octoporty exposes services on a private network through a public " +
		"gateway over a single outbound WebSocket tunnel. Run the gateway on " +
		"the public host and the agent next to the services.",
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
