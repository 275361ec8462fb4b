// Package cli implements the plandrive command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/plandrive/internal/workflow"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "plandrive",
	Short: "Drive a coding agent through a phased implementation plan",
	Long: `plandrive repeatedly runs a workflow of agent prompts, shell commands,
and internal actions against a markdown implementation plan until the plan
reports completion.

While a run is active: p pauses, c continues, m sends a one-off manual
prompt on the current agent session.

Running 'plandrive' without a subcommand is equivalent to 'plandrive run'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "plandrive %s\n", version)
		fmt.Fprintln(out, "Drive a coding agent through a phased implementation plan")
		fmt.Fprintf(out, "default workflow: %s\n", workflow.Default().Name)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

// newLogger builds the run logger honoring the -v flag. Logs go to stderr so
// they never interleave with the streamed transcript on stdout.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
