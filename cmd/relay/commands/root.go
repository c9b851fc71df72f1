// Package commands implements the relay CLI's cobra command tree.
package commands

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Control CLI for the relay actor runtime",
	Long: `relay drives a Middleman from the outside: run the built-in
scenario suite against an in-memory transport, or point commands at a
running relayd's control plane.`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(testCmd)
}
