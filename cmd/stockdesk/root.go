package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information (injected at build time via ldflags).
var (
	appVersion = "development"
	gitCommit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "stockdesk",
	Short: "Stock research dashboard backend",
	Long: `stockdesk serves the research dashboard API: a streaming chat
endpoint backed by a tool-calling agent, conversation management, and
article ingestion into the knowledge base.

Running stockdesk with no arguments starts the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
	SilenceUsage: true,
}

func execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stockdesk %s (%s)\n", appVersion, gitCommit)
		},
	})
}
