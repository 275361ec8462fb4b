package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iambrandonn/plandrive/internal/control"
	"github.com/iambrandonn/plandrive/internal/discovery"
	"github.com/iambrandonn/plandrive/internal/engine"
	"github.com/iambrandonn/plandrive/internal/eventlog"
	"github.com/iambrandonn/plandrive/internal/plan"
	"github.com/iambrandonn/plandrive/internal/runner"
	"github.com/iambrandonn/plandrive/internal/runstate"
	"github.com/iambrandonn/plandrive/internal/sessionlog"
	"github.com/iambrandonn/plandrive/internal/stream"
	"github.com/iambrandonn/plandrive/internal/transcript"
	"github.com/iambrandonn/plandrive/internal/vcs"
	"github.com/iambrandonn/plandrive/internal/workflow"
	"github.com/iambrandonn/plandrive/internal/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run [plan.md]",
	Short: "Start a new run against a plan file",
	Long: `Start a new run. The plan argument is a markdown implementation plan
with "## Phase N" sections; when omitted, plandrive searches the working
directory for plan files and picks the best candidate.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("working-dir", "w", "", "Working directory (default: repository root of the current directory)")
	pf.String("workflow", "", "Path to a workflow YAML file (default: project, then global, then built-in)")
	pf.String("agent", "claude", "Agent executable to drive")
	pf.Bool("push", true, "Allow 'git push' commands in shell steps")
	pf.Int("max-phases", engine.DefaultMaxPhases, "Safety ceiling on the number of phases")
	pf.Bool("dry-run", false, "Print the resolved workflow and substituted steps without executing")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)
	out := cmd.OutOrStdout()

	workingDir, err := resolveWorkingDir(cmd)
	if err != nil {
		return err
	}

	var planPath string
	if len(args) > 0 {
		planPath = args[0]
	}
	planPath, err = resolvePlanPath(cmd, workingDir, planPath)
	if err != nil {
		return err
	}

	workflowPath, _ := cmd.Flags().GetString("workflow")
	wf, wfSource, err := workflow.Find(workingDir, workflowPath)
	if err != nil {
		return err
	}
	if err := wf.Validate(); err != nil {
		return err
	}
	if wfSource == "" {
		wfSource = "(built-in)"
	}

	cfg, err := engineConfig(cmd, wf, planPath, workingDir)
	if err != nil {
		return err
	}

	if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
		printDryRun(cmd, wf, wfSource, cfg)
		return nil
	}

	stateDir, err := workspace.Initialize(workingDir)
	if err != nil {
		return fmt.Errorf("failed to initialize workspace: %w", err)
	}

	runID := fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])
	state := runstate.New(runID, planPath, wf.Name)
	statePath := runstate.Path(stateDir)
	if err := runstate.Save(state, statePath); err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}

	fmt.Fprintf(out, "Plan:     %s%s\n", planPath, planBanner(planPath))
	fmt.Fprintf(out, "Workflow: %s from %s\n", wf.Name, wfSource)
	fmt.Fprintf(out, "Run:      %s\n", runID)
	fmt.Fprintln(out, "Keys:     p pause, c continue, m manual prompt")

	return executeRun(cmd, cfg, state, statePath, stateDir, logger)
}

// executeRun wires the runner, control plane, logs, and engine together and
// drives the run to an outcome. Shared with resume.
func executeRun(cmd *cobra.Command, cfg engine.Config, state *runstate.RunState, statePath, stateDir string, logger *slog.Logger) error {
	out := cmd.OutOrStdout()

	runLog, err := sessionlog.New(filepath.Join(stateDir, "logs"), filepath.Base(cfg.PlanPath))
	if err != nil {
		return fmt.Errorf("failed to create session log: %w", err)
	}
	defer runLog.Close()
	fmt.Fprintf(out, "Log:      %s\n\n", runLog.Path())

	evtLog, err := eventlog.New(filepath.Join(stateDir, "events", state.RunID+".ndjson"), logger)
	if err != nil {
		return fmt.Errorf("failed to create event log: %w", err)
	}
	defer evtLog.Close()

	agentCmd, _ := cmd.Flags().GetString("agent")
	run := runner.NewRunner(cfg.WorkingDir, strings.Fields(agentCmd), logger)
	if state.SessionID != "" {
		run.SetSessionID(state.SessionID)
	}

	formatter := transcript.NewFormatter()
	run.SetEventHandler(func(ev stream.Event) {
		if line := formatter.FormatEvent(ev); line != "" {
			fmt.Fprintln(out, line)
		}
	})

	eng := engine.New(cfg, run, plan.Detector{}, logger)
	eng.SetRunLog(runLog)
	eng.SetEventRecorder(func(rec *eventlog.InvocationRecord) {
		if err := evtLog.WriteInvocation(rec); err != nil {
			logger.Warn("failed to record invocation", "error", err)
		}
	})
	eng.SetStateSaver(func(phase, stepIndex int, sessionID string) {
		state.RecordPosition(phase, stepIndex, sessionID)
		if err := runstate.Save(state, statePath); err != nil {
			logger.Warn("failed to save run state", "error", err)
		}
	})
	eng.SetAnnouncer(func(msg string) {
		fmt.Fprintf(out, "\n» %s\n", msg)
	})
	eng.SetChangeLister(func() {
		files, err := vcs.Status(cfg.WorkingDir)
		if err != nil {
			logger.Warn("failed to list changes", "error", err)
			return
		}
		fmt.Fprintln(out, formatter.FormatFilesChanged(files))
	})

	listener := control.NewListener(eng.HandleIntent, logger)
	eng.SetManualPrompter(
		func() (string, bool) { return promptManual(out) },
		listener.Stop,
		func() {
			if err := listener.Start(); err != nil {
				logger.Warn("failed to restart key listener", "error", err)
			}
		},
	)

	if err := listener.Start(); err != nil {
		return fmt.Errorf("failed to start key listener: %w", err)
	}
	defer listener.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	outcome := eng.Execute(ctx)

	if outcome.Success {
		state.MarkCompleted()
	} else if strings.HasPrefix(outcome.Reason, "aborted") {
		state.MarkAborted()
	} else {
		state.MarkFailed(outcome.Reason)
	}
	if err := runstate.Save(state, statePath); err != nil {
		logger.Warn("failed to save final run state", "error", err)
	}

	if cost := run.CostUSD(); cost > 0 {
		fmt.Fprintf(out, "\nReported cost: $%.2f\n", cost)
	}

	if !outcome.Success {
		return fmt.Errorf("run ended after phase %d: %s", outcome.Phases, outcome.Reason)
	}
	fmt.Fprintf(out, "\nPlan complete after %d phase(s).\n", outcome.Phases)
	return nil
}

func engineConfig(cmd *cobra.Command, wf *workflow.Workflow, planPath, workingDir string) (engine.Config, error) {
	push, _ := cmd.Flags().GetBool("push")
	maxPhases, _ := cmd.Flags().GetInt("max-phases")

	return engine.Config{
		PlanPath:   planPath,
		WorkingDir: workingDir,
		Workflow:   wf,
		MaxPhases:  maxPhases,
		Push:       push,
	}, nil
}

// planBanner summarizes the plan's phase count and completion for the run
// banner. A plan that cannot be parsed gets an empty summary rather than an
// error; the completion detector reports real problems later.
func planBanner(planPath string) string {
	p, err := plan.Parse(planPath)
	if err != nil || len(p.Phases) == 0 {
		return ""
	}
	return fmt.Sprintf(" (%d phases, %.0f%% complete)", len(p.Phases), p.Progress()*100)
}

// resolveWorkingDir picks the working directory: the flag when set, otherwise
// the repository root containing the current directory.
func resolveWorkingDir(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("working-dir")
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to determine working directory: %w", err)
		}
		dir = vcs.ToplevelDir(cwd)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("invalid working directory %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("working directory %s does not exist", abs)
	}
	return abs, nil
}

// resolvePlanPath validates an explicit plan path or discovers one.
func resolvePlanPath(cmd *cobra.Command, workingDir, explicit string) (string, error) {
	if explicit != "" {
		abs, err := filepath.Abs(explicit)
		if err != nil {
			return "", fmt.Errorf("invalid plan path %s: %w", explicit, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", fmt.Errorf("plan file not found: %s", abs)
		}
		return abs, nil
	}

	candidates, err := discovery.FindPlans(discovery.DefaultConfig(workingDir))
	if err != nil {
		return "", fmt.Errorf("plan discovery failed: %w", err)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no plan file found under %s\n\nHint: Pass a plan explicitly:\n  plandrive run docs/feature-plan.md", workingDir)
	}

	chosen := candidates[0]
	if len(candidates) > 1 {
		fmt.Fprintf(cmd.OutOrStdout(), "Found %d plan candidates, using %s\n", len(candidates), chosen.Path)
	}
	return chosen.Path, nil
}

func printDryRun(cmd *cobra.Command, wf *workflow.Workflow, source string, cfg engine.Config) {
	out := cmd.OutOrStdout()

	vars := map[string]string{
		"plan_path":   cfg.PlanPath,
		"working_dir": cfg.WorkingDir,
	}
	for k, v := range wf.Variables {
		vars[k] = v
	}

	fmt.Fprintf(out, "Workflow %q from %s (%d steps, max %d phases)\n", wf.Name, source, len(wf.Steps), cfg.MaxPhases)

	for i, step := range wf.Steps {
		fmt.Fprintf(out, "\n%d. %s [%s]\n", i+1, step.Name, step.Type)

		switch step.Type {
		case workflow.StepAgent:
			prompt := engine.Substitute(step.Prompt, vars)
			for _, line := range strings.Split(strings.TrimSpace(prompt), "\n") {
				fmt.Fprintf(out, "   | %s\n", line)
			}
			if len(step.StopOn) > 0 {
				fmt.Fprintf(out, "   stop on: %s\n", strings.Join(step.StopOn, ", "))
			}
		case workflow.StepShell:
			for _, c := range step.Commands {
				c = engine.Substitute(c, vars)
				if !cfg.Push && strings.Contains(c, "git push") {
					fmt.Fprintf(out, "   $ %s (skipped: pushing disabled)\n", c)
					continue
				}
				fmt.Fprintf(out, "   $ %s\n", c)
			}
		case workflow.StepInternal:
			fmt.Fprintf(out, "   action: %s\n", step.Action)
		}
	}
}

// promptManual reads one line of free-form instruction from the terminal.
// An empty line or EOF cancels.
func promptManual(out io.Writer) (string, bool) {
	fmt.Fprint(out, "\nmanual prompt (empty line cancels)> ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return "", false
	}
	text := strings.TrimSpace(scanner.Text())
	return text, text != ""
}
