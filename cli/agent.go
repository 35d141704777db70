package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/octoporty/octoporty/internal/bootstrap"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the private-network agent",
	Long: "Run the agent process: keeps one outbound tunnel to the gateway " +
		"and forwards tunneled requests to services on the private network.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := bootstrap.RunAgent(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Agent exited with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
}
