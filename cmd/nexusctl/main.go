// Package main implements nexusctl, a CLI for inspecting and driving a
// running nexus-engine process over its JSON control surface.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		serverURL    string
		outputFormat string
	)

	rootCmd := &cobra.Command{
		Use:     "nexusctl",
		Short:   "Inspect and drive a nexus-engine process",
		Version: version,
		Long: `nexusctl talks to a running nexus-engine process's JSON API.

Connection defaults to http://127.0.0.1:9090 and can be overridden with
--server or the NEXUS_ENGINE_ADDR environment variable.`,
	}

	defaultURL := os.Getenv("NEXUS_ENGINE_ADDR")
	if defaultURL == "" {
		defaultURL = "http://127.0.0.1:9090"
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "nexus-engine API base URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, yaml, json")

	rootCmd.AddCommand(newListCmd(&serverURL, &outputFormat))
	rootCmd.AddCommand(newDescribeCmd(&serverURL, &outputFormat))
	rootCmd.AddCommand(newRebuildCmd(&serverURL, &outputFormat))
	rootCmd.AddCommand(newFaultCmd(&serverURL, &outputFormat))
	rootCmd.AddCommand(newWatchCmd(&serverURL))

	return rootCmd
}
