// Package cmd provides the foreman CLI: the minimal operator surface for
// running the supervisor loop and inspecting Beads, per the orchestrator's
// explicit non-goal of a second (HTTP) API implementation.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set by main via ldflags in a release build; it defaults to
// "dev" for local builds.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "foreman",
	Short:   "Autonomous coding-agent orchestrator",
	Version: Version,
	Long: `foreman claims Beads (units of agentic work) from a git-backed
store, supervises an external LLM worker process to completion for each,
and retries or escalates on failure.`,
}

// Execute runs the root command and returns a process exit code.
func Execute() int {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func init() {
	rootCmd.AddCommand(serveCmd, beadCmd, statsCmd)
}

func fatalf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
