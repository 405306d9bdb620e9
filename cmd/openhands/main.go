// OpenHands Coordinator — supervises the agent server process inside a sandbox.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "openhands",
	Short: "OpenHands Coordinator — keeps one agent server running per sandbox port.",
	Long: `The OpenHands Coordinator supervises a single long-running agent server
inside a sandbox: it starts the server when none is running, reuses a live
one when it exists, and proxies HTTP traffic through to it. Concurrent
start requests converge on one surviving process without any locking.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, serverCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
