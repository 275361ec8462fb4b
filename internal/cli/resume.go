package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/plandrive/internal/runstate"
	"github.com/iambrandonn/plandrive/internal/workflow"
	"github.com/iambrandonn/plandrive/internal/workspace"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted run from its saved state",
	Long: `Resume the most recent run in the working directory from its persisted
phase and step position, reusing the saved agent session when one exists.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)
	out := cmd.OutOrStdout()

	workingDir, err := resolveWorkingDir(cmd)
	if err != nil {
		return err
	}

	stateDir := workspace.StateDir(workingDir)
	statePath := runstate.Path(stateDir)
	state, err := runstate.Load(statePath)
	if err != nil {
		return fmt.Errorf("no resumable run in %s: %w", workingDir, err)
	}

	switch state.Status {
	case runstate.StatusCompleted:
		fmt.Fprintf(out, "Run %s already completed.\n", state.RunID)
		return nil
	case runstate.StatusRunning, runstate.StatusAborted, runstate.StatusFailed:
		// Resumable. A failed run resumes at the step that failed.
	default:
		return fmt.Errorf("run %s has unknown status %q", state.RunID, state.Status)
	}

	workflowPath, _ := cmd.Flags().GetString("workflow")
	wf, wfSource, err := workflow.Find(workingDir, workflowPath)
	if err != nil {
		return err
	}
	if err := wf.Validate(); err != nil {
		return err
	}
	if state.Workflow != "" && wf.Name != state.Workflow {
		logger.Warn("workflow differs from the original run", "was", state.Workflow, "now", wf.Name)
	}
	if wfSource == "" {
		wfSource = "(built-in)"
	}

	if state.StepIndex >= len(wf.Steps) {
		state.StepIndex = 0
		state.Phase++
	}

	cfg, err := engineConfig(cmd, wf, state.PlanPath, workingDir)
	if err != nil {
		return err
	}
	cfg.InitialPhase = state.Phase
	cfg.InitialStep = state.StepIndex

	state.Status = runstate.StatusRunning
	state.Reason = ""
	state.CompletedAt = nil

	fmt.Fprintf(out, "Resuming %s at phase %d, step %d\n", state.RunID, state.Phase, state.StepIndex+1)
	fmt.Fprintf(out, "Plan:     %s\n", state.PlanPath)
	fmt.Fprintf(out, "Workflow: %s from %s\n", wf.Name, wfSource)
	if state.SessionID != "" {
		fmt.Fprintln(out, "Session:  continuing prior agent conversation")
	}
	fmt.Fprintln(out, "Keys:     p pause, c continue, m manual prompt")

	return executeRun(cmd, cfg, state, statePath, stateDir, logger)
}
