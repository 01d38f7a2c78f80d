// Deepresearch runs multi-stage research workflows: a question is scoped,
// planned, researched against the web and MCP tool providers, synthesized
// into a report and reviewed, looping back for revision a bounded number of
// times.
//
// Usage:
//
//	# Research a question and print the report
//	deepresearch run "What is quantum annealing?"
//
//	# Stream stage progress
//	deepresearch run --stream --scope "hardware vendors" "What is quantum annealing?"
//
//	# List the tools exposed by configured MCP providers
//	deepresearch tools
//
//	# Serve the HTTP API
//	deepresearch serve
//
// Configuration is read from ~/.config/deepresearch/config.yaml (or --config)
// and DEEPRESEARCH_* environment variables.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag.
var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "deepresearch",
		Short: "Multi-stage research workflows backed by language models",
		Long: `deepresearch coordinates scoping, planning, evidence gathering, synthesis
and review of a research question. Evidence comes from web search and from
MCP tool providers reachable over stdio, SSE or WebSocket.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(versionString() + "\n")
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/deepresearch/config.yaml)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newToolsCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}

func versionString() string {
	return fmt.Sprintf("deepresearch by Fyrsmith Labs\nVersion:    %s\nCommit:     %s\nBuild Date: %s", version, gitCommit, buildDate)
}
