// Package runstate persists the engine's execution position so an aborted
// run can be resumed: the phase and step counters plus the continuation
// token. State is written atomically at step boundaries.
package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/iambrandonn/plandrive/internal/fsutil"
)

// Status represents the overall state of a run
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// RunState is the persisted state of a workflow run.
type RunState struct {
	RunID       string     `json:"run_id"`
	Status      Status     `json:"status"`
	PlanPath    string     `json:"plan_path"`
	Workflow    string     `json:"workflow"`
	Phase       int        `json:"phase"`
	StepIndex   int        `json:"step_index"`
	SessionID   string     `json:"session_id,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates the state for a fresh run.
func New(runID, planPath, workflowName string) *RunState {
	return &RunState{
		RunID:     runID,
		Status:    StatusRunning,
		PlanPath:  planPath,
		Workflow:  workflowName,
		Phase:     1,
		StepIndex: 0,
		StartedAt: time.Now().UTC(),
	}
}

// Save writes run state to disk atomically.
func Save(state *RunState, path string) error {
	return fsutil.AtomicWriteJSON(path, state)
}

// Load reads run state from disk.
func Load(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}

	return &state, nil
}

// Path returns the standard run state location under the project state dir.
func Path(stateDir string) string {
	return filepath.Join(stateDir, "state", "run.json")
}

// RecordPosition updates the engine position and continuation token.
func (s *RunState) RecordPosition(phase, stepIndex int, sessionID string) {
	s.Phase = phase
	s.StepIndex = stepIndex
	s.SessionID = sessionID
}

// MarkCompleted marks the run as completed.
func (s *RunState) MarkCompleted() {
	s.Status = StatusCompleted
	now := time.Now().UTC()
	s.CompletedAt = &now
}

// MarkFailed marks the run as failed with a reason.
func (s *RunState) MarkFailed(reason string) {
	s.Status = StatusFailed
	s.Reason = reason
	now := time.Now().UTC()
	s.CompletedAt = &now
}

// MarkAborted marks the run as aborted (operator terminated).
func (s *RunState) MarkAborted() {
	s.Status = StatusAborted
	now := time.Now().UTC()
	s.CompletedAt = &now
}
