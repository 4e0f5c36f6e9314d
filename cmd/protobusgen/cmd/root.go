package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "protobusgen",
	Short: "protobusgen generates typed RPC proxies from protobus schemas",
	Long: `protobusgen reads a service's proto3 schema through the same
SchemaRegistry protobus's runtime uses, and emits a typed Go client for
that service's RPC methods, so callers don't have to build codec.Record
maps by hand.

Use "protobusgen [command] --help" for more information about a specific
command.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
