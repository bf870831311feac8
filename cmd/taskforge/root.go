package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "Multi-agent coding task orchestrator",
	Long: `taskforge drives coding tasks through a plan, code, test, review,
commit lifecycle by invoking external AI coding agents, capturing their
output, and enforcing policy and budget throughout.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "taskforge:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(versionCmd)
}
