package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danantara/anivault/internal/version"
)

// versionCmd represents the version command.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Long())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
