// Package main provides the entry point for the buildmesh CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/buildmesh/cmd/buildmesh/commands"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "buildmesh",
		Short: "buildmesh content cache and pip execution scheduler",
		Long: `buildmesh coordinates distributed build execution over a
content-addressed cache.

Commands:
  status             Show local content store and checkpoint status
  checkpoint save     Save a full or incremental checkpoint
  checkpoint restore  Restore the most recent checkpoint
  gc                  Evict content until the quota's target limit is met`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a buildmesh config file")

	rootCmd.AddCommand(commands.NewStatusCommand(&configPath))
	rootCmd.AddCommand(commands.NewCheckpointCommand(&configPath))
	rootCmd.AddCommand(commands.NewGCCommand(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
