// Package engine drives the workflow execution loop: phases of ordered steps
// dispatched against the agent runner, with operator pause, resume, and
// manual-override control applied at step boundaries. The engine owns all
// loop state; the control plane only publishes intents into a mailbox the
// engine drains.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/iambrandonn/plandrive/internal/control"
	"github.com/iambrandonn/plandrive/internal/eventlog"
	"github.com/iambrandonn/plandrive/internal/runner"
	"github.com/iambrandonn/plandrive/internal/transcript"
	"github.com/iambrandonn/plandrive/internal/vcs"
	"github.com/iambrandonn/plandrive/internal/workflow"
)

// generateCommitMessage is a package variable so tests can pin the message.
var generateCommitMessage = vcs.GenerateCommitMessage

// DefaultMaxPhases is the safety ceiling on phase count when the
// configuration does not set one.
const DefaultMaxPhases = 50

// resumePollInterval is how often the paused loop samples the intent mailbox.
const resumePollInterval = 100 * time.Millisecond

// summaryLimit caps the narrative excerpt recorded per step.
const summaryLimit = 500

var varPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// AgentRunner is the process-runner surface the engine depends on. Satisfied
// by *runner.Runner; tests substitute a scripted fake.
type AgentRunner interface {
	Invoke(ctx context.Context, prompt string, stopPatterns []string) *runner.Result
	InvokeShell(ctx context.Context, commands []string, skipIfClean bool) *runner.Result
	SessionID() string
	ClearSession()
	SetAllowedTools(tools []string)
	SetQuiet(quiet bool)
	Interrupt()
	Interrupted() bool
	ResetInterrupt()
	ResetUsage()
}

// CompletionDetector decides whether the plan document is fully implemented.
// Satisfied by plan.Detector.
type CompletionDetector interface {
	IsComplete(planPath string) (bool, error)
}

// RunLogger receives step and phase lifecycle notifications. Satisfied by
// *sessionlog.Log.
type RunLogger interface {
	StepStart(name, kind string, phase int)
	StepComplete(name string, success bool, duration time.Duration, summary string)
	StepOutput(name, output string)
	PhaseComplete(phase int, planDone bool)
	Error(step, msg string)
	SessionEnd(success bool, phases int)
}

// Config carries the per-run parameters of a workflow execution.
type Config struct {
	PlanPath   string
	WorkingDir string
	Workflow   *workflow.Workflow
	MaxPhases  int  // 0 means DefaultMaxPhases
	Push       bool // when false, publish commands are dropped from shell steps

	// Resume position. Phase 0 means start at phase 1, step 0.
	InitialPhase int
	InitialStep  int
}

// Outcome is the single exit report of an execution.
type Outcome struct {
	Success bool
	Phases  int // phase number the run ended in
	Reason  string
}

// Engine executes a workflow. Construct with New, wire the optional
// collaborators, then call Execute once. Not reusable across runs.
type Engine struct {
	cfg      Config
	runner   AgentRunner
	detector CompletionDetector
	intents  *control.Slot
	logger   *slog.Logger

	runLog       RunLogger
	recordEvent  func(*eventlog.InvocationRecord)
	saveState    func(phase, stepIndex int, sessionID string)
	manualPrompt func() (string, bool)
	suspendKeys  func()
	resumeKeys   func()
	announce     func(string)
	showChanges  func()
}

// New creates an engine over the given runner and completion detector.
func New(cfg Config, run AgentRunner, detector CompletionDetector, logger *slog.Logger) *Engine {
	if cfg.MaxPhases <= 0 {
		cfg.MaxPhases = DefaultMaxPhases
	}
	if cfg.InitialPhase <= 0 {
		cfg.InitialPhase = 1
		cfg.InitialStep = 0
	}
	return &Engine{
		cfg:      cfg,
		runner:   run,
		detector: detector,
		intents:  &control.Slot{},
		logger:   logger,
	}
}

// SetRunLog attaches the markdown run log.
func (e *Engine) SetRunLog(l RunLogger) { e.runLog = l }

// SetEventRecorder attaches the raw invocation recorder.
func (e *Engine) SetEventRecorder(fn func(*eventlog.InvocationRecord)) { e.recordEvent = fn }

// SetStateSaver attaches the persistence hook called at step and phase
// boundaries.
func (e *Engine) SetStateSaver(fn func(phase, stepIndex int, sessionID string)) { e.saveState = fn }

// SetManualPrompter attaches the operator text prompt used for manual
// override, plus hooks that suspend and resume key sampling around it so the
// prompt and the listener do not compete for the terminal.
func (e *Engine) SetManualPrompter(prompt func() (string, bool), suspend, resume func()) {
	e.manualPrompt = prompt
	e.suspendKeys = suspend
	e.resumeKeys = resume
}

// SetAnnouncer attaches the operator-facing notice writer.
func (e *Engine) SetAnnouncer(fn func(string)) { e.announce = fn }

// SetChangeLister attaches the renderer for the show-changes internal action.
func (e *Engine) SetChangeLister(fn func()) { e.showChanges = fn }

// HandleIntent is the control-plane entry point. It runs on the listener
// goroutine: it publishes the intent and, for pause and manual override,
// interrupts any in-flight invocation so the request takes effect promptly.
func (e *Engine) HandleIntent(i control.Intent) {
	e.intents.Publish(i)

	switch i {
	case control.IntentPause:
		e.runner.Interrupt()
		e.say("pausing after current output line (press c to continue)")
	case control.IntentManual:
		e.runner.Interrupt()
		e.say("manual override requested")
	case control.IntentResume:
		e.say("resuming")
	}
}

// Execute runs the workflow until completion, failure, the phase ceiling, or
// context cancellation. It returns exactly one Outcome.
func (e *Engine) Execute(ctx context.Context) Outcome {
	steps := e.cfg.Workflow.Steps
	phase := e.cfg.InitialPhase
	stepIndex := e.cfg.InitialStep

	for ; phase <= e.cfg.MaxPhases; phase++ {
		e.say(fmt.Sprintf("phase %d (ceiling %d)", phase, e.cfg.MaxPhases))

		for stepIndex < len(steps) {
			if ctx.Err() != nil {
				return e.finish(Outcome{Phases: phase, Reason: "aborted: " + ctx.Err().Error()})
			}

			step := steps[stepIndex]

			switch e.intents.Take() {
			case control.IntentManual:
				e.runManual(ctx, phase)
			case control.IntentPause:
				if !e.waitForResume(ctx, phase) {
					return e.finish(Outcome{Phases: phase, Reason: "aborted: " + ctx.Err().Error()})
				}
			}

			e.runner.ResetInterrupt()

			start := time.Now()
			if e.runLog != nil {
				e.runLog.StepStart(step.Name, string(step.Type), phase)
			}

			result, published := e.executeStep(ctx, step, phase)
			duration := time.Since(start)

			e.record(phase, step.Name, string(step.Type), result)

			if e.runner.Interrupted() {
				if e.runLog != nil {
					e.runLog.StepComplete(step.Name, false, duration, "Interrupted by user")
				}
				if published {
					// A publish command may or may not have reached the
					// remote. Re-running it blindly could double-publish, so
					// hand the decision back to the operator.
					reason := fmt.Sprintf("step %q interrupted while publishing; verify the remote before resuming", step.Name)
					if e.runLog != nil {
						e.runLog.Error(step.Name, reason)
					}
					return e.finish(Outcome{Phases: phase, Reason: reason})
				}
				e.say(fmt.Sprintf("step %q interrupted; it will be retried", step.Name))
				// Same step index: the retry happens once the operator
				// resumes, because the pause intent is still pending.
				continue
			}

			if e.runLog != nil {
				e.runLog.StepComplete(step.Name, result.Success, duration, transcript.Summarize(result.Output, summaryLimit))
				if result.Output != "" {
					e.runLog.StepOutput(step.Name, transcript.RenderOutput(result.Output))
				}
			}

			if !result.Success {
				if result.Err != "" && isConfigFailure(result.Err) {
					if e.runLog != nil {
						e.runLog.Error(step.Name, result.Err)
					}
					return e.finish(Outcome{Phases: phase, Reason: fmt.Sprintf("step %q misconfigured: %s", step.Name, result.Err)})
				}
				if step.RequireSuccess {
					msg := result.Err
					if msg == "" {
						msg = "step failed"
					}
					if e.runLog != nil {
						e.runLog.Error(step.Name, msg)
					}
					return e.finish(Outcome{Phases: phase, Reason: fmt.Sprintf("step %q failed and requires success: %s", step.Name, msg)})
				}
				e.logger.Warn("step failed, continuing", "step", step.Name, "error", result.Err)
			}

			if result.StopReason != "" && result.StopReason != "clean" {
				e.say(fmt.Sprintf("step %q flagged attention: %s", step.Name, result.StopReason))
			}

			stepIndex++
			e.persist(phase, stepIndex)
		}

		done, err := e.detector.IsComplete(e.cfg.PlanPath)
		if err != nil {
			e.logger.Warn("completion check failed", "error", err)
		}
		if e.runLog != nil {
			e.runLog.PhaseComplete(phase, done)
		}
		if done {
			return e.finish(Outcome{Success: true, Phases: phase, Reason: "plan complete"})
		}

		stepIndex = 0
		e.persist(phase+1, 0)
	}

	return e.finish(Outcome{
		Phases: e.cfg.MaxPhases,
		Reason: fmt.Sprintf("reached maximum phase count (%d) without completion", e.cfg.MaxPhases),
	})
}

// executeStep dispatches one step. The published return reports whether the
// dispatched commands included a publish to a remote, which changes how an
// interruption of this step is handled.
func (e *Engine) executeStep(ctx context.Context, step workflow.Step, phase int) (res *runner.Result, published bool) {
	switch step.Type {
	case workflow.StepAgent:
		if len(step.AllowedTools) > 0 {
			e.runner.SetAllowedTools(step.AllowedTools)
		}
		if !step.Stream {
			e.runner.SetQuiet(true)
			defer e.runner.SetQuiet(false)
		}
		prompt := e.substitute(step.Prompt)
		return e.runner.Invoke(ctx, prompt, step.StopOn), false

	case workflow.StepShell:
		commands := make([]string, 0, len(step.Commands))
		for _, cmd := range step.Commands {
			cmd = e.substitute(cmd)
			if strings.Contains(cmd, "{commit_message}") {
				cmd = strings.ReplaceAll(cmd, "{commit_message}", e.commitMessage())
			}
			if !e.cfg.Push && strings.Contains(cmd, "git push") {
				e.logger.Debug("dropping publish command", "command", cmd)
				continue
			}
			commands = append(commands, cmd)
		}
		for _, cmd := range commands {
			if strings.Contains(cmd, "git push") {
				published = true
			}
		}
		return e.runner.InvokeShell(ctx, commands, step.SkipIfClean), published

	case workflow.StepInternal:
		return e.executeInternal(step), false

	default:
		return &runner.Result{
			ExitCode: 1,
			Err:      fmt.Sprintf("unknown step type: %s", step.Type),
		}, false
	}
}

func (e *Engine) executeInternal(step workflow.Step) *runner.Result {
	switch step.Action {
	case workflow.ActionClearSession:
		e.runner.ClearSession()
		e.runner.ResetUsage()
		e.say("session cleared")
		return &runner.Result{Success: true, Output: "session cleared"}

	case workflow.ActionShowChanges:
		if e.showChanges != nil {
			e.showChanges()
		}
		return &runner.Result{Success: true}

	default:
		return &runner.Result{
			ExitCode: 1,
			Err:      fmt.Sprintf("unknown action: %s", step.Action),
		}
	}
}

// waitForResume blocks off-CPU until a resume intent arrives. A manual
// override while paused runs the one-off prompt and then resumes. Returns
// false only on context cancellation.
func (e *Engine) waitForResume(ctx context.Context, phase int) bool {
	e.say("paused (c to continue, m for manual prompt)")

	ticker := time.NewTicker(resumePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		switch e.intents.Take() {
		case control.IntentResume:
			return true
		case control.IntentManual:
			e.runManual(ctx, phase)
			return true
		}
	}
}

// runManual solicits a one-off instruction from the operator and sends it on
// the current session. It does not advance the step index; an empty or
// cancelled prompt resumes execution unchanged.
func (e *Engine) runManual(ctx context.Context, phase int) {
	if e.manualPrompt == nil {
		e.say("manual override unavailable (no interactive terminal)")
		return
	}

	if e.suspendKeys != nil {
		e.suspendKeys()
	}
	prompt, ok := e.manualPrompt()
	if e.resumeKeys != nil {
		e.resumeKeys()
	}

	if !ok || strings.TrimSpace(prompt) == "" {
		e.say("manual prompt cancelled")
		return
	}

	e.say("sending manual prompt")
	e.runner.ResetInterrupt()
	result := e.runner.Invoke(ctx, prompt, nil)
	e.record(phase, "manual", "manual", result)

	if e.runLog != nil {
		e.runLog.StepComplete("manual prompt", result.Success, 0, transcript.Summarize(result.Output, summaryLimit))
	}
}

// Variables returns a fresh copy of the substitution variables for this run.
func (e *Engine) Variables() map[string]string {
	vars := map[string]string{
		"plan_path":   e.cfg.PlanPath,
		"working_dir": e.cfg.WorkingDir,
	}
	for k, v := range e.cfg.Workflow.Variables {
		vars[k] = v
	}
	return vars
}

func (e *Engine) substitute(text string) string {
	return Substitute(text, e.Variables())
}

// Substitute resolves ${name} placeholders, leaving unknown names intact,
// then replaces legacy {name} placeholders literally.
func Substitute(text string, vars map[string]string) string {
	out := varPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func (e *Engine) commitMessage() string {
	return generateCommitMessage(e.cfg.WorkingDir)
}

func (e *Engine) record(phase int, step, kind string, res *runner.Result) {
	if e.recordEvent == nil {
		return
	}
	e.recordEvent(&eventlog.InvocationRecord{
		Time:       time.Now().UTC(),
		Phase:      phase,
		Step:       step,
		Kind:       kind,
		Success:    res.Success,
		ExitCode:   res.ExitCode,
		SessionID:  res.SessionID,
		StopReason: res.StopReason,
		Error:      res.Err,
		Output:     res.Output,
	})
}

func (e *Engine) persist(phase, stepIndex int) {
	if e.saveState != nil {
		e.saveState(phase, stepIndex, e.runner.SessionID())
	}
}

func (e *Engine) finish(out Outcome) Outcome {
	if e.runLog != nil {
		e.runLog.SessionEnd(out.Success, out.Phases)
	}
	e.logger.Info("run finished", "success", out.Success, "phases", out.Phases, "reason", out.Reason)
	return out
}

func (e *Engine) say(msg string) {
	if e.announce != nil {
		e.announce(msg)
		return
	}
	e.logger.Info(msg)
}

// isConfigFailure distinguishes unknown-kind and unknown-action failures,
// which halt the run regardless of require_success.
func isConfigFailure(errMsg string) bool {
	return strings.HasPrefix(errMsg, "unknown step type:") || strings.HasPrefix(errMsg, "unknown action:")
}
