package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/octoporty/octoporty/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("octoporty %s (%s) built %s with %s\n",
			config.Version, config.ShortRevision(), config.BuildTime, config.GoVersion())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
