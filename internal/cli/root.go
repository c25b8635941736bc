package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "policyshield",
	Short: "Policy-enforcement sidecar for AI agent tool calls",
	Long:  "Mediates every tool invocation issued by an AI agent: answers ALLOW, BLOCK, REDACT, or APPROVE per a YAML ruleset, scans outputs for sensitive data, and records an audit trail.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
