// Reflectd is the journaling companion daemon.
//
// It serves the HTTP API (context assembly, memory writes, entries, thread
// content with realtime reflections, streamed answers, settings) and can
// alternatively expose journal context to assistants over MCP on stdio.
//
// Configuration is read from ~/.config/reflectd/config.yaml and REFLECTD_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the HTTP daemon
//	reflectd serve
//
//	# Serve MCP tools on stdio
//	reflectd mcp
//
//	# Override a setting
//	REFLECTD_SERVER_PORT=9300 reflectd serve
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "reflectd:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "reflectd",
	Short:         "Journaling companion daemon",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools on stdio",
	Long: `Serve journal_context, memory_save and memory_forget to an assistant over
the Model Context Protocol on stdin/stdout. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMCP(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "reflectd by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/reflectd/config.yaml)")
	rootCmd.AddCommand(serveCmd, mcpCmd, versionCmd)
}
