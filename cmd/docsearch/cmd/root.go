// Package cmd provides the CLI commands for docsearch.
package cmd

import (
	"github.com/spf13/cobra"

	"docsearch/pkg/version"
)

// NewRootCmd creates the root command for the docsearch CLI.
func NewRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "docsearch",
		Short: "Document question answering over hybrid retrieval",
		Long: `docsearch ingests documents (PDF, text, markdown), indexes them for
hybrid keyword + semantic retrieval, and answers questions grounded in the
indexed content with citations back to source passages.

Running 'docsearch' with no subcommand starts the API server.`,
		Version: version.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return cmd.Help()
			}
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.SetVersionTemplate("docsearch version {{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML config file (DOCSEARCH_* env vars take priority)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
