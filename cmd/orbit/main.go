// Package main provides the CLI entry point for orbit, an agentic
// execution platform.
//
// Run a single task:
//
//	orbit run --task "summarize main.go"
//
// Start an interactive session:
//
//	orbit chat
//
// Serve the WebSocket control plane:
//
//	orbit serve --config orbit.yaml
//
// Configuration can also come from the environment (ORBIT_ADDR,
// ORBIT_AUTH_TOKEN, ORBIT_MODEL_PROVIDER, ...); see internal/config.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n", r)
			os.Exit(2)
		}
	}()

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "orbit",
		Short:         "Agentic execution platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to orbit.yaml")

	root.AddCommand(
		newRunCmd(&configPath),
		newChatCmd(&configPath),
		newServeCmd(&configPath),
		newSessionsCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orbit %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
