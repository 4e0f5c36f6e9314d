package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "0.1.0" // set at build time via -ldflags

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of protobusgen",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("protobusgen v%s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
