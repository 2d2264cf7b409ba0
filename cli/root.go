// Package cli is the process bootstrap: it loads configuration, constructs
// the stores and pipeline services explicitly, and exposes the init, run and
// watch commands.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "graphline",
	Short: "Knowledge graph and semantic index for code artifacts",
	Long: `graphline ingests SQL, scripts and config files into a lineage graph
plus a semantic vector index, and keeps both in sync as files change.

Typical usage:
  graphline init          Initialize a project in the current directory
  graphline run           Ingest the project once
  graphline watch         Keep ingesting as files change`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
