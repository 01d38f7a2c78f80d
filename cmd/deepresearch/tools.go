package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newToolsCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools exposed by configured MCP providers",
		Long: `Connect to every configured MCP provider and list its tools under their
qualified "<provider>:<tool>" names. Providers that fail to connect are
skipped and logged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			tools, err := a.pipeline.Tools(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(tools)
			}
			renderTools(cmd.OutOrStdout(), tools)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the tools as JSON")
	return cmd
}
