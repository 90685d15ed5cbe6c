// Package cmd provides the CLI commands for rowguard.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "rowguard",
	Short: "rowguard - protocol-aware PostgreSQL access proxy",
	Long: `rowguard terminates PostgreSQL wire-protocol connections, authenticates
connecting principals against an external control plane, evaluates a
bytecode-compiled access policy per statement, and rewrites or rejects SQL
before it ever reaches the real database.

Configuration is loaded from an explicit YAML file passed via
--config_file; there is no implicit search path. Environment variables
prefixed ROWGUARD_ override individual fields.

Commands:
  start      Start the proxy listener
  devserver  Run the bundled development control plane
  version    Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config_file", "", "path to the rowguard YAML config file (required)")
}
