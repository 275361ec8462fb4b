// Package sessionlog writes a human-readable markdown log of a workflow run:
// per-step start/outcome entries with durations, collapsible output excerpts,
// phase results, and an end-of-run summary. One file per run, append-only.
package sessionlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// excerptLimit caps inline output excerpts; the full stream lives in the
// NDJSON event log, not here.
const excerptLimit = 500

// Log appends execution entries to a markdown file.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	startTime time.Time
	phase     int
}

// New creates a log file under logDir named after the plan and the current
// timestamp, and writes the document header.
func New(logDir, planName string) (*Log, error) {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	safeName := strings.NewReplacer("/", "_", " ", "_").Replace(strings.TrimSuffix(planName, ".md"))
	now := time.Now()
	path := filepath.Join(logDir, fmt.Sprintf("%s_%s.md", now.Format("20060102_150405"), safeName))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	l := &Log{file: file, path: path, startTime: now}
	l.write(fmt.Sprintf("# plandrive Execution Log\n\n**Plan:** %s\n**Started:** %s\n\n---\n\n",
		planName, now.Format("2006-01-02 15:04:05")))
	return l, nil
}

// Path returns the location of the log file.
func (l *Log) Path() string {
	return l.path
}

// StepStart records the start of a step, opening a new phase heading when
// the phase changed.
func (l *Log) StepStart(name, kind string, phase int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if phase != l.phase {
		l.phase = phase
		l.write(fmt.Sprintf("## Phase %d\n\n", phase))
	}
	l.write(fmt.Sprintf("### %s (%s)\n\n*Started: %s*\n\n", name, kind, time.Now().Format("15:04:05")))
}

// StepComplete records a step outcome with an optional output excerpt.
func (l *Log) StepComplete(name string, success bool, duration time.Duration, summary string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}
	l.write(fmt.Sprintf("**Status:** %s (%.1fs)\n\n", status, duration.Seconds()))

	if summary == "" {
		return
	}
	l.write("<details>\n<summary>Output</summary>\n\n```\n")
	if len(summary) > excerptLimit {
		cut := excerptLimit
		for cut > 0 && !utf8.RuneStart(summary[cut]) {
			cut--
		}
		l.write(summary[:cut])
		l.write("\n... (truncated)")
	} else {
		l.write(summary)
	}
	l.write("\n```\n</details>\n\n")
}

// StepOutput appends the full rendered agent output for a step as a
// collapsible section. Unlike the inline excerpt it is not truncated; the
// markdown log is the complete human-readable record of the run.
func (l *Log) StepOutput(_, output string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if output == "" {
		return
	}
	l.write("<details>\n<summary>Full Agent Output</summary>\n\n```\n")
	l.write(output)
	l.write("\n```\n</details>\n\n")
}

// PhaseComplete records the result of a full phase pass.
func (l *Log) PhaseComplete(phase int, planDone bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if planDone {
		l.write(fmt.Sprintf("**Phase %d Result:** Plan complete\n\n---\n\n", phase))
	} else {
		l.write(fmt.Sprintf("**Phase %d Result:** Continuing to next phase\n\n---\n\n", phase))
	}
}

// Error records a step error.
func (l *Log) Error(step, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.write(fmt.Sprintf("**ERROR in %s:**\n\n```\n%s\n```\n\n", step, msg))
}

// SessionEnd writes the run summary.
func (l *Log) SessionEnd(success bool, phases int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := "SUCCESS"
	if !success {
		status = "FAILED"
	}
	now := time.Now()
	l.write(fmt.Sprintf("## Summary\n\n- **Status:** %s\n- **Total Phases:** %d\n- **Duration:** %.1fs\n- **Ended:** %s\n",
		status, phases, now.Sub(l.startTime).Seconds(), now.Format("2006-01-02 15:04:05")))
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Log) write(text string) {
	if l.file != nil {
		l.file.WriteString(text)
	}
}
