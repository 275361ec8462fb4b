package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/plandrive/internal/control"
	"github.com/iambrandonn/plandrive/internal/runner"
	"github.com/iambrandonn/plandrive/internal/workflow"
)

// call records one dispatch the fake runner received.
type call struct {
	kind        string // agent or shell
	prompt      string
	commands    []string
	session     string // continuation token at launch time
	skipIfClean bool
	quiet       bool
}

// fakeRunner is a scripted AgentRunner. onInvoke and onShell, when set,
// decide each call's result; both receive the 1-based call number.
type fakeRunner struct {
	mu          sync.Mutex
	session     string
	tools       []string
	interrupted bool
	quiet       bool
	calls       []call

	onInvoke func(n int, c call) *runner.Result
	onShell  func(n int, c call) *runner.Result
}

func (f *fakeRunner) Invoke(_ context.Context, prompt string, _ []string) *runner.Result {
	f.mu.Lock()
	c := call{kind: "agent", prompt: prompt, session: f.session, quiet: f.quiet}
	f.calls = append(f.calls, c)
	n := len(f.calls)
	f.mu.Unlock()

	res := &runner.Result{Success: true}
	if f.onInvoke != nil {
		res = f.onInvoke(n, c)
	}
	if res.SessionID != "" {
		f.mu.Lock()
		f.session = res.SessionID
		f.mu.Unlock()
	}
	return res
}

func (f *fakeRunner) InvokeShell(_ context.Context, commands []string, skipIfClean bool) *runner.Result {
	f.mu.Lock()
	c := call{kind: "shell", commands: commands, session: f.session, skipIfClean: skipIfClean}
	f.calls = append(f.calls, c)
	n := len(f.calls)
	f.mu.Unlock()

	if f.onShell != nil {
		return f.onShell(n, c)
	}
	return &runner.Result{Success: true}
}

func (f *fakeRunner) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeRunner) ClearSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = ""
}

func (f *fakeRunner) SetAllowedTools(tools []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = tools
}

func (f *fakeRunner) SetQuiet(quiet bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quiet = quiet
}

func (f *fakeRunner) Interrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = true
}

func (f *fakeRunner) Interrupted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupted
}

func (f *fakeRunner) ResetInterrupt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = false
}

func (f *fakeRunner) ResetUsage() {}

func (f *fakeRunner) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]call, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeDetector reports completion per check number (1-based); checks beyond
// the script reuse the last entry.
type fakeDetector struct {
	mu     sync.Mutex
	script []bool
	checks int
}

func (d *fakeDetector) IsComplete(string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checks++
	if len(d.script) == 0 {
		return false, nil
	}
	idx := d.checks - 1
	if idx >= len(d.script) {
		idx = len(d.script) - 1
	}
	return d.script[idx], nil
}

// fakeRunLog captures lifecycle notifications for assertions.
type fakeRunLog struct {
	mu        sync.Mutex
	completed []string
	outputs   map[string]string
}

func (l *fakeRunLog) StepStart(string, string, int) {}

func (l *fakeRunLog) StepComplete(name string, _ bool, _ time.Duration, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, name)
}

func (l *fakeRunLog) StepOutput(name, output string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outputs == nil {
		l.outputs = map[string]string{}
	}
	l.outputs[name] = output
}

func (l *fakeRunLog) PhaseComplete(int, bool) {}
func (l *fakeRunLog) Error(string, string)    {}
func (l *fakeRunLog) SessionEnd(bool, int)    {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func agentStep(name, prompt string) workflow.Step {
	return workflow.Step{Name: name, Type: workflow.StepAgent, Prompt: prompt, Stream: true}
}

func newTestEngine(cfg Config, run *fakeRunner, det *fakeDetector) *Engine {
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/tmp/project"
	}
	if cfg.PlanPath == "" {
		cfg.PlanPath = "/tmp/project/plan.md"
	}
	return New(cfg, run, det, testLogger())
}

func TestFailedOptionalStepDoesNotHalt(t *testing.T) {
	run := &fakeRunner{
		onInvoke: func(n int, c call) *runner.Result {
			if c.prompt == "middle" {
				return &runner.Result{ExitCode: 1, Err: "agent exited with code 1"}
			}
			return &runner.Result{Success: true}
		},
	}
	det := &fakeDetector{script: []bool{true}}

	eng := newTestEngine(Config{
		Workflow: &workflow.Workflow{Name: "t", Steps: []workflow.Step{
			agentStep("first", "first"),
			agentStep("second", "middle"),
			agentStep("third", "last"),
		}},
	}, run, det)

	out := eng.Execute(context.Background())
	require.True(t, out.Success)

	calls := run.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, "last", calls[2].prompt)
}

func TestRequireSuccessHalts(t *testing.T) {
	run := &fakeRunner{
		onInvoke: func(n int, c call) *runner.Result {
			return &runner.Result{ExitCode: 2, Err: "agent exited with code 2"}
		},
	}
	det := &fakeDetector{}

	steps := []workflow.Step{agentStep("build", "build it"), agentStep("never", "never runs")}
	steps[0].RequireSuccess = true

	eng := newTestEngine(Config{Workflow: &workflow.Workflow{Name: "t", Steps: steps}}, run, det)

	out := eng.Execute(context.Background())
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, `step "build" failed`)
	assert.Len(t, run.recorded(), 1)
}

func TestInterruptedStepRetriesWithoutAdvancing(t *testing.T) {
	var eng *Engine
	run := &fakeRunner{}
	run.onInvoke = func(n int, c call) *runner.Result {
		if n == 1 {
			// Operator pauses mid-step, then continues before the boundary.
			eng.HandleIntent(control.IntentPause)
			eng.HandleIntent(control.IntentResume)
			return &runner.Result{Err: "interrupted"}
		}
		return &runner.Result{Success: true}
	}
	det := &fakeDetector{script: []bool{true}}

	eng = newTestEngine(Config{
		Workflow: &workflow.Workflow{Name: "t", Steps: []workflow.Step{agentStep("implement", "do the work")}},
	}, run, det)
	eng.SetAnnouncer(func(string) {})

	out := eng.Execute(context.Background())
	require.True(t, out.Success)
	assert.Equal(t, 1, out.Phases)

	calls := run.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].prompt, calls[1].prompt)
}

func TestSessionTokenRoundTripAndClear(t *testing.T) {
	run := &fakeRunner{
		onInvoke: func(n int, c call) *runner.Result {
			return &runner.Result{Success: true, SessionID: "abc"}
		},
	}
	det := &fakeDetector{script: []bool{false, true}}

	eng := newTestEngine(Config{
		Push: true,
		Workflow: &workflow.Workflow{Name: "t", Steps: []workflow.Step{
			agentStep("implement", "implement next phase"),
			{Name: "commit", Type: workflow.StepShell, Commands: []string{"git add -A", "git commit -m wip"}},
			{Name: "clear", Type: workflow.StepInternal, Action: workflow.ActionClearSession},
		}},
	}, run, det)
	eng.SetAnnouncer(func(string) {})

	out := eng.Execute(context.Background())
	require.True(t, out.Success)
	assert.Equal(t, 2, out.Phases)

	calls := run.recorded()
	require.Len(t, calls, 4) // agent+shell per phase, internal steps do not hit the runner

	assert.Empty(t, calls[0].session, "first invocation starts fresh")
	assert.Equal(t, "abc", calls[1].session, "token carried into the shell step")
	assert.Empty(t, calls[2].session, "phase 2 starts with a cleared session")
	assert.Equal(t, "abc", calls[3].session)
}

func TestCompletionCheckedOnlyAtPhaseBoundary(t *testing.T) {
	det := &fakeDetector{script: []bool{true}}
	run := &fakeRunner{}

	eng := newTestEngine(Config{
		Workflow: &workflow.Workflow{Name: "t", Steps: []workflow.Step{
			agentStep("one", "one"),
			agentStep("two", "two"),
		}},
	}, run, det)

	out := eng.Execute(context.Background())
	require.True(t, out.Success)

	// Both steps ran even though the plan was already complete: detection
	// happens after the phase, never mid-phase.
	assert.Len(t, run.recorded(), 2)
	assert.Equal(t, 1, det.checks)
}

func TestMaxPhasesCeiling(t *testing.T) {
	run := &fakeRunner{}
	det := &fakeDetector{} // never complete

	eng := newTestEngine(Config{
		MaxPhases: 3,
		Workflow:  &workflow.Workflow{Name: "t", Steps: []workflow.Step{agentStep("loop", "go")}},
	}, run, det)

	out := eng.Execute(context.Background())
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "maximum phase count (3)")
	assert.Len(t, run.recorded(), 3)
}

func TestShellPostProcessing(t *testing.T) {
	orig := generateCommitMessage
	generateCommitMessage = func(string) string { return "feat: add widgets" }
	defer func() { generateCommitMessage = orig }()

	run := &fakeRunner{}
	det := &fakeDetector{script: []bool{true}}

	eng := newTestEngine(Config{
		Push: false,
		Workflow: &workflow.Workflow{Name: "t", Steps: []workflow.Step{
			{Name: "commit", Type: workflow.StepShell, SkipIfClean: true, Commands: []string{
				"git add -A",
				`git commit -m "{commit_message}"`,
				"git push",
			}},
		}},
	}, run, det)

	out := eng.Execute(context.Background())
	require.True(t, out.Success)

	calls := run.recorded()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].commands, 2, "push dropped when publishing is disabled")
	assert.Equal(t, `git commit -m "feat: add widgets"`, calls[0].commands[1])
	assert.True(t, calls[0].skipIfClean)
}

func TestNonStreamingStepInvokedQuiet(t *testing.T) {
	run := &fakeRunner{}
	det := &fakeDetector{script: []bool{true}}

	review := workflow.Step{Name: "review", Type: workflow.StepAgent, Prompt: "review the diff"}
	eng := newTestEngine(Config{
		Workflow: &workflow.Workflow{Name: "t", Steps: []workflow.Step{
			review,
			agentStep("implement", "do the work"),
		}},
	}, run, det)

	out := eng.Execute(context.Background())
	require.True(t, out.Success)

	calls := run.recorded()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].quiet, "non-streaming step suppresses live display")
	assert.False(t, calls[1].quiet, "streaming step shows events")
	assert.False(t, run.quiet, "quiet cleared after the step")
}

func TestRunLogReceivesFullStepOutput(t *testing.T) {
	run := &fakeRunner{
		onInvoke: func(n int, c call) *runner.Result {
			return &runner.Result{Success: true, Output: "refactored the parser\nand fixed two tests"}
		},
	}
	det := &fakeDetector{script: []bool{true}}
	runLog := &fakeRunLog{}

	eng := newTestEngine(Config{
		Workflow: &workflow.Workflow{Name: "t", Steps: []workflow.Step{
			agentStep("implement", "do the work"),
			{Name: "clear", Type: workflow.StepInternal, Action: workflow.ActionClearSession},
		}},
	}, run, det)
	eng.SetRunLog(runLog)
	eng.SetAnnouncer(func(string) {})

	out := eng.Execute(context.Background())
	require.True(t, out.Success)

	require.Contains(t, runLog.outputs, "implement")
	assert.Equal(t, "refactored the parser\nand fixed two tests", runLog.outputs["implement"])
}

func TestVariableSubstitution(t *testing.T) {
	vars := map[string]string{"plan_path": "/p/plan.md", "working_dir": "/p"}

	assert.Equal(t, "read /p/plan.md in /p",
		Substitute("read ${plan_path} in {working_dir}", vars))
	assert.Equal(t, "keep ${unknown} intact",
		Substitute("keep ${unknown} intact", vars))
}

func TestPromptSubstitutedFreshPerDispatch(t *testing.T) {
	run := &fakeRunner{}
	det := &fakeDetector{script: []bool{true}}

	eng := newTestEngine(Config{
		PlanPath:   "/work/plan.md",
		WorkingDir: "/work",
		Workflow: &workflow.Workflow{
			Name:      "t",
			Variables: map[string]string{"style": "tidy"},
			Steps:     []workflow.Step{agentStep("implement", "implement ${plan_path} ${style}")},
		},
	}, run, det)

	out := eng.Execute(context.Background())
	require.True(t, out.Success)
	assert.Equal(t, "implement /work/plan.md tidy", run.recorded()[0].prompt)
}

func TestInterruptedPublishStepHalts(t *testing.T) {
	var eng *Engine
	run := &fakeRunner{}
	run.onShell = func(n int, c call) *runner.Result {
		eng.HandleIntent(control.IntentPause)
		return &runner.Result{Err: "interrupted"}
	}
	det := &fakeDetector{}

	eng = newTestEngine(Config{
		Push: true,
		Workflow: &workflow.Workflow{Name: "t", Steps: []workflow.Step{
			{Name: "publish", Type: workflow.StepShell, Commands: []string{"git push"}},
		}},
	}, run, det)
	eng.SetAnnouncer(func(string) {})

	out := eng.Execute(context.Background())
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "verify the remote")
}

func TestUnknownActionHaltsRegardlessOfRequireSuccess(t *testing.T) {
	run := &fakeRunner{}
	det := &fakeDetector{}

	eng := newTestEngine(Config{
		Workflow: &workflow.Workflow{Name: "t", Steps: []workflow.Step{
			{Name: "bogus", Type: workflow.StepInternal, Action: "explode"},
			agentStep("never", "never"),
		}},
	}, run, det)

	out := eng.Execute(context.Background())
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "misconfigured")
	assert.Empty(t, run.recorded())
}

func TestManualOverrideDoesNotAdvance(t *testing.T) {
	run := &fakeRunner{}
	det := &fakeDetector{script: []bool{true}}

	eng := newTestEngine(Config{
		Workflow: &workflow.Workflow{Name: "t", Steps: []workflow.Step{agentStep("implement", "the step")}},
	}, run, det)
	eng.SetAnnouncer(func(string) {})
	eng.SetManualPrompter(func() (string, bool) { return "fix the test first", true }, nil, nil)

	eng.HandleIntent(control.IntentManual)

	out := eng.Execute(context.Background())
	require.True(t, out.Success)
	assert.Equal(t, 1, out.Phases)

	calls := run.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "fix the test first", calls[0].prompt, "manual prompt runs before the pending step")
	assert.Equal(t, "the step", calls[1].prompt)
}

func TestCancelledManualPromptResumes(t *testing.T) {
	run := &fakeRunner{}
	det := &fakeDetector{script: []bool{true}}

	eng := newTestEngine(Config{
		Workflow: &workflow.Workflow{Name: "t", Steps: []workflow.Step{agentStep("implement", "the step")}},
	}, run, det)
	eng.SetAnnouncer(func(string) {})
	eng.SetManualPrompter(func() (string, bool) { return "", false }, nil, nil)

	eng.HandleIntent(control.IntentManual)

	out := eng.Execute(context.Background())
	require.True(t, out.Success)
	require.Len(t, run.recorded(), 1)
	assert.Equal(t, "the step", run.recorded()[0].prompt)
}

func TestStateSavedAtBoundaries(t *testing.T) {
	run := &fakeRunner{
		onInvoke: func(n int, c call) *runner.Result {
			return &runner.Result{Success: true, SessionID: "s1"}
		},
	}
	det := &fakeDetector{script: []bool{true}}

	type pos struct{ phase, step int }
	var saved []pos

	eng := newTestEngine(Config{
		Workflow: &workflow.Workflow{Name: "t", Steps: []workflow.Step{
			agentStep("one", "one"),
			agentStep("two", "two"),
		}},
	}, run, det)
	eng.SetStateSaver(func(phase, stepIndex int, sessionID string) {
		saved = append(saved, pos{phase, stepIndex})
	})

	out := eng.Execute(context.Background())
	require.True(t, out.Success)

	assert.Equal(t, []pos{{1, 1}, {1, 2}}, saved)
}

func TestContextCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run := &fakeRunner{}
	eng := newTestEngine(Config{
		Workflow: &workflow.Workflow{Name: "t", Steps: []workflow.Step{agentStep("one", "one")}},
	}, run, &fakeDetector{})

	out := eng.Execute(ctx)
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "aborted")
	assert.Empty(t, run.recorded())
}
