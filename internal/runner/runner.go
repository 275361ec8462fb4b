// Package runner executes the external agent CLI and shell command steps on
// behalf of the engine. A Runner owns the conversational session: the session
// ID captured from one invocation is passed back on the next via --resume
// until ClearSession discards it. Interruption is cooperative: Interrupt
// signals the running process group and sets a flag the engine inspects after
// the invocation winds down.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"

	"github.com/iambrandonn/plandrive/internal/stream"
	"github.com/iambrandonn/plandrive/internal/vcs"
)

// maxRetainedOutput caps the output kept in a Result. The full stream still
// flows through the event handler as it arrives; only the retained transcript
// is bounded, oldest lines first.
const maxRetainedOutput = 512 * 1024

// readChunkSize bounds interruption latency during streaming: an interrupt is
// observed no later than the next chunk boundary.
const readChunkSize = 4096

// sessionFallbackPattern is the textual fallback for session ID extraction
// when the structured init event never arrives.
var sessionFallbackPattern = regexp.MustCompile(`"session_id"\s*:\s*"([^"]+)"`)

// Result is the outcome of a single invocation. It is immutable once
// returned; all failure modes are folded into Success/Err rather than a Go
// error so the engine always has a result to act on.
type Result struct {
	Success    bool
	ExitCode   int
	Output     string
	SessionID  string
	StopReason string
	Err        string
}

// Runner launches agent and shell invocations in a working directory.
// All exported methods are safe for concurrent use; Interrupt in particular
// is called from the control plane goroutine while Invoke blocks.
type Runner struct {
	workingDir string
	agentCmd   []string
	logger     *slog.Logger

	onEvent func(stream.Event)

	mu           sync.Mutex
	sessionID    string
	allowedTools []string
	interrupted  bool
	quiet        bool
	process      *exec.Cmd
	costUSD      float64
}

// NewRunner creates a runner. agentCmd is the agent executable plus any fixed
// leading arguments, e.g. []string{"claude"}.
func NewRunner(workingDir string, agentCmd []string, logger *slog.Logger) *Runner {
	if len(agentCmd) == 0 {
		agentCmd = []string{"claude"}
	}
	return &Runner{
		workingDir: workingDir,
		agentCmd:   agentCmd,
		logger:     logger,
	}
}

// SetEventHandler registers a callback invoked for every decoded stream event
// as it arrives. Shell command output is delivered as unrecognized events.
func (r *Runner) SetEventHandler(handler func(stream.Event)) {
	r.onEvent = handler
}

// SetAllowedTools restricts the capabilities passed to the agent on
// subsequent invocations.
func (r *Runner) SetAllowedTools(tools []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowedTools = tools
}

// SetQuiet suppresses event delivery for subsequent invocations. Output is
// still captured and the session token still tracked; only the live display
// goes silent, for steps configured not to stream.
func (r *Runner) SetQuiet(quiet bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quiet = quiet
}

func (r *Runner) isQuiet() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quiet
}

// SessionID returns the current continuation token, if any.
func (r *Runner) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// SetSessionID seeds the continuation token, used when resuming a persisted
// run.
func (r *Runner) SetSessionID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = id
}

// ClearSession discards the continuation token; the next Invoke starts a
// fresh conversation.
func (r *Runner) ClearSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = ""
}

// CostUSD returns the accumulated reported cost across invocations since the
// last ResetUsage.
func (r *Runner) CostUSD() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.costUSD
}

// ResetUsage zeroes the session-scoped usage counters.
func (r *Runner) ResetUsage() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costUSD = 0
}

// Interrupt requests cooperative cancellation of the in-flight invocation.
// The process group receives SIGINT; the invocation still performs its final
// read and wait so no zombie is left behind. Safe to call from any goroutine,
// including when nothing is running.
func (r *Runner) Interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupted = true
	if r.process != nil && r.process.Process != nil {
		// Negative pid signals the whole group (the agent forks helpers).
		syscall.Kill(-r.process.Process.Pid, syscall.SIGINT)
	}
}

// Interrupted reports whether Interrupt has been called since the last reset.
func (r *Runner) Interrupted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interrupted
}

// ResetInterrupt clears the interrupted flag. The engine calls this before
// each step dispatch.
func (r *Runner) ResetInterrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupted = false
}

// Invoke runs the agent with the given prompt, streaming its combined output
// line-by-line through the protocol parser. Stop patterns are matched
// case-insensitively against each line; the first match is recorded as
// StopReason without terminating the process. Exit code 0 is required for
// success.
func (r *Runner) Invoke(ctx context.Context, prompt string, stopPatterns []string) *Result {
	patterns, err := compileStopPatterns(stopPatterns)
	if err != nil {
		return &Result{ExitCode: -1, Err: err.Error()}
	}

	argv := r.buildArgs(prompt)
	r.logger.Debug("invoking agent", "cmd", argv[0], "args", len(argv)-1, "session", r.SessionID() != "")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.workingDir
	cmd.Env = append(os.Environ(), "FORCE_COLOR=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Merge stdout and stderr into one pipe so diagnostic lines interleave
	// with the protocol stream the same way they do on a terminal.
	pr, pw, err := os.Pipe()
	if err != nil {
		return &Result{ExitCode: -1, Err: fmt.Sprintf("failed to create pipe: %v", err)}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return &Result{ExitCode: -1, Err: fmt.Sprintf("failed to start agent: %v", err)}
	}
	pw.Close()

	r.mu.Lock()
	r.process = cmd
	r.mu.Unlock()

	out := newOutputBuffer()
	var stopReason string
	sessionSeen := false

	handle := func(line string) {
		line = strings.ToValidUTF8(line, "�")
		out.append(line)

		ev, ok := stream.ParseLine(line)
		if !ok {
			return
		}

		if ev.Kind == stream.KindInit {
			r.SetSessionID(ev.SessionID)
			sessionSeen = true
		} else if ev.Kind == stream.KindResult {
			r.mu.Lock()
			r.costUSD += ev.CostUSD
			r.mu.Unlock()
		} else if !sessionSeen {
			// Fallback: the token is essential for continuity, so scrape it
			// from any line that mentions it if the init event never parsed.
			if m := sessionFallbackPattern.FindStringSubmatch(line); m != nil {
				r.SetSessionID(m[1])
				sessionSeen = true
			}
		}

		if stopReason == "" {
			for _, p := range patterns {
				if p.MatchString(line) {
					stopReason = fmt.Sprintf("pattern matched: %s", p.String())
					r.logger.Info("stop pattern matched", "pattern", p.String())
					break
				}
			}
		}

		if r.onEvent != nil && !r.isQuiet() {
			r.onEvent(ev)
		}
	}

	r.streamLines(pr, handle)
	pr.Close()

	waitErr := cmd.Wait()

	r.mu.Lock()
	r.process = nil
	interrupted := r.interrupted
	r.mu.Unlock()

	if !sessionSeen && !interrupted {
		r.logger.Warn("no session id observed; next invocation starts a fresh conversation")
	}

	res := &Result{
		Output:     out.String(),
		SessionID:  r.SessionID(),
		StopReason: stopReason,
	}

	if waitErr == nil {
		res.Success = true
		return res
	}

	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		res.Err = fmt.Sprintf("agent exited with code %d", res.ExitCode)
	} else {
		res.ExitCode = -1
		res.Err = waitErr.Error()
	}
	return res
}

// InvokeShell runs commands sequentially with `sh -c` in the working
// directory. When skipIfClean is set and the git working tree has no pending
// changes, the whole step short-circuits to success. The sequence stops at
// the first failing command; already-executed commands are not rolled back.
func (r *Runner) InvokeShell(ctx context.Context, commands []string, skipIfClean bool) *Result {
	if skipIfClean {
		clean, err := vcs.IsClean(r.workingDir)
		if err != nil {
			r.logger.Warn("clean check failed, running commands anyway", "error", err)
		} else if clean {
			r.emitLine("no changes to commit")
			return &Result{Success: true, Output: "no changes to commit", StopReason: "clean"}
		}
	}

	out := newOutputBuffer()

	for _, command := range commands {
		if r.Interrupted() {
			return &Result{Output: out.String(), Err: "interrupted"}
		}

		r.emitLine("$ " + command)

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = r.workingDir
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		pr, pw, err := os.Pipe()
		if err != nil {
			return &Result{ExitCode: -1, Output: out.String(), Err: fmt.Sprintf("failed to create pipe: %v", err)}
		}
		cmd.Stdout = pw
		cmd.Stderr = pw

		if err := cmd.Start(); err != nil {
			pr.Close()
			pw.Close()
			return &Result{ExitCode: -1, Output: out.String(), Err: fmt.Sprintf("failed to start command: %v", err)}
		}
		pw.Close()

		r.mu.Lock()
		r.process = cmd
		r.mu.Unlock()

		r.streamLines(pr, func(line string) {
			line = strings.ToValidUTF8(line, "�")
			out.append(line)
			r.emitLine(line)
		})
		pr.Close()

		waitErr := cmd.Wait()

		r.mu.Lock()
		r.process = nil
		r.mu.Unlock()

		if waitErr != nil {
			code := -1
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}
			return &Result{
				ExitCode: code,
				Output:   out.String(),
				Err:      fmt.Sprintf("command failed: %s", command),
			}
		}
	}

	return &Result{Success: true, Output: out.String()}
}

// streamLines reads r in fixed-size chunks and delivers complete lines to
// handle. A trailing partial line is delivered after EOF.
func (r *Runner) streamLines(src *os.File, handle func(string)) {
	buf := make([]byte, readChunkSize)
	var pending []byte

	for {
		n, err := src.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				handle(string(pending[:idx]))
				pending = pending[idx+1:]
			}
		}
		if err != nil {
			break
		}
	}

	if len(pending) > 0 {
		handle(string(pending))
	}
}

func (r *Runner) emitLine(line string) {
	if r.onEvent == nil {
		return
	}
	r.onEvent(stream.Event{
		Kind:    stream.KindUnrecognized,
		Raw:     line,
		Display: stream.StripANSI(line),
	})
}

func (r *Runner) buildArgs(prompt string) []string {
	args := append([]string{}, r.agentCmd...)
	args = append(args, "-p", prompt, "--output-format", "stream-json", "--verbose")

	r.mu.Lock()
	tools := r.allowedTools
	session := r.sessionID
	r.mu.Unlock()

	if len(tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(tools, ","))
	}
	if session != "" {
		args = append(args, "--resume", session)
	}
	return args
}

func compileStopPatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid stop pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// outputBuffer accumulates streamed lines with a byte cap, dropping the
// oldest lines once the cap is exceeded.
type outputBuffer struct {
	lines     []string
	size      int
	truncated bool
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{}
}

func (b *outputBuffer) append(line string) {
	b.lines = append(b.lines, line)
	b.size += len(line) + 1
	for b.size > maxRetainedOutput && len(b.lines) > 1 {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
		b.truncated = true
	}
}

func (b *outputBuffer) String() string {
	joined := strings.Join(b.lines, "\n")
	if b.truncated {
		return "[earlier output truncated]\n" + joined
	}
	return joined
}
