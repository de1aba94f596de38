// Buildbox: sandbox workspace lifecycle manager for an AI app builder.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "buildbox",
	Short: "Buildbox: sandboxes, shells and previews for an AI app builder.",
	Long: `Buildbox creates and manages the isolated sandboxes an AI app builder
runs generated projects in. It serves an HTTP API for the sandbox lifecycle,
interactive terminals over WebSocket and an MCP endpoint for the builder chat.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, workspacesCmd, tokenCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
