// Package eventlog persists an append-only NDJSON record of every invocation
// in a run: which step ran, in which phase, and what came back. The markdown
// session log is for humans; this file is the machine-readable transcript.
package eventlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/plandrive/internal/ndjson"
)

// maxRecordedOutput caps the output excerpt stored per invocation record so
// the log line stays within the NDJSON message limit.
const maxRecordedOutput = 64 * 1024

// InvocationRecord is one logged step invocation.
type InvocationRecord struct {
	Time       time.Time `json:"time"`
	Phase      int       `json:"phase"`
	Step       string    `json:"step"`
	Kind       string    `json:"kind"`
	Success    bool      `json:"success"`
	ExitCode   int       `json:"exit_code,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	StopReason string    `json:"stop_reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Output     string    `json:"output,omitempty"`
}

// EventLog writes invocation records to an NDJSON file.
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// New creates an event log at logPath, creating parent directories as
// needed.
func New(logPath string, logger *slog.Logger) (*EventLog, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// WriteInvocation appends an invocation record, trimming oversized output.
func (l *EventLog) WriteInvocation(rec *InvocationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(rec.Output) > maxRecordedOutput {
		trimmed := *rec
		trimmed.Output = rec.Output[len(rec.Output)-maxRecordedOutput:]
		return l.encoder.Encode(&trimmed)
	}
	return l.encoder.Encode(rec)
}

// Close closes the event log file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
