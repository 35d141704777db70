package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/octoporty/octoporty/internal/bootstrap"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the public-facing gateway",
	Long: "Run the gateway process: accepts the agent tunnel, reconfigures " +
		"the edge proxy, and relays external HTTP traffic over the tunnel.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := bootstrap.RunGateway(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Gateway exited with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}
