package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via -ldflags at release build time.
var (
	version = "dev"
	commit  = "none"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "inferd",
		Short: "inferd - local LLM inference daemon",
		Long: `inferd serves GGUF models over HTTP: streaming completions, durable
sessions, an LRU-cached model registry with a memory budget, and background
imports from the model hub.

Run "inferd serve" to start the daemon.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand(), newModelsCommand(), newPullCommand(), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("inferd %s (%s)\n", version, commit)
		},
	}
}

// envOr reads an environment default for a flag.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
