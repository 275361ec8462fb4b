// Package workflow defines the workflow configuration: an ordered list of
// steps executed once per phase, loaded from YAML with a project > global >
// built-in precedence chain.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// StepType identifies how a step is executed.
type StepType string

const (
	// StepAgent sends a prompt to the coding agent.
	StepAgent StepType = "claude"
	// StepShell runs shell commands in the working directory.
	StepShell StepType = "shell"
	// StepInternal runs one of a small closed set of built-in actions.
	StepInternal StepType = "internal"
)

// Internal action names.
const (
	ActionClearSession = "clear_session"
	ActionShowChanges  = "show_changes"
)

// Step is a single step in the workflow. Exactly one of Prompt, Commands, or
// Action is meaningful, selected by Type.
type Step struct {
	Name           string   `yaml:"name"`
	Type           StepType `yaml:"type"`
	Prompt         string   `yaml:"prompt,omitempty"`
	Commands       []string `yaml:"commands,omitempty"`
	Action         string   `yaml:"action,omitempty"`
	Stream         bool     `yaml:"stream"`
	StopOn         []string `yaml:"stop_on,omitempty"`
	RequireSuccess bool     `yaml:"require_success,omitempty"`
	SkipIfClean    bool     `yaml:"skip_if_clean,omitempty"`
	AllowedTools   []string `yaml:"allowed_tools,omitempty"`
}

// UnmarshalYAML applies step defaults: agent type and streaming on.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	type rawStep Step
	raw := rawStep{Type: StepAgent, Stream: true}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*s = Step(raw)
	return nil
}

// Workflow is a complete workflow definition. Immutable once loaded for a
// run.
type Workflow struct {
	Name        string            `yaml:"name"`
	Version     int               `yaml:"version"`
	Description string            `yaml:"description,omitempty"`
	Steps       []Step            `yaml:"steps"`
	Variables   map[string]string `yaml:"variables,omitempty"`
}

// Validate checks the workflow for configuration errors and returns
// user-friendly messages.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow error: missing required field 'name'\n\nHint: Add a name like:\n  name: Implementation Loop")
	}

	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow error: workflow %q has no steps\n\nHint: Add at least one step:\n  steps:\n    - name: implement\n      type: claude\n      prompt: \"...\"", w.Name)
	}

	for i, step := range w.Steps {
		if step.Name == "" {
			return fmt.Errorf("workflow error: step %d has no name", i+1)
		}

		switch step.Type {
		case StepAgent:
			if step.Prompt == "" {
				return fmt.Errorf("workflow error: step %q is a claude step with no prompt\n\nHint: Add a prompt:\n  prompt: \"Implement the next phase of ${plan_path}\"", step.Name)
			}
		case StepShell:
			if len(step.Commands) == 0 {
				return fmt.Errorf("workflow error: step %q is a shell step with no commands\n\nHint: Add commands:\n  commands:\n    - git add -A", step.Name)
			}
		case StepInternal:
			if step.Action != ActionClearSession && step.Action != ActionShowChanges {
				return fmt.Errorf("workflow error: step %q has unknown action %q\n\nHint: Supported actions are %q and %q", step.Name, step.Action, ActionClearSession, ActionShowChanges)
			}
		default:
			return fmt.Errorf("workflow error: step %q has unknown type %q\n\nHint: Supported types are claude, shell, and internal", step.Name, step.Type)
		}
	}

	return nil
}

// Load reads a workflow definition from a YAML file.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}

	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file %s: %w", path, err)
	}

	return &w, nil
}

// Save writes the workflow to a YAML file with 0600 permissions.
func (w *Workflow) Save(path string) error {
	data, err := yaml.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create workflow directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write workflow file %s: %w", path, err)
	}

	return nil
}

// GlobalConfigDir returns the per-user config directory.
func GlobalConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "plandrive")
}

// ProjectConfigDir returns the project-local state directory.
func ProjectConfigDir(workingDir string) string {
	return filepath.Join(workingDir, ".plandrive")
}

// Find resolves a workflow with precedence: explicit path > project
// .plandrive/workflow.yaml > global config > built-in default.
func Find(workingDir, explicitPath string) (*Workflow, string, error) {
	if explicitPath != "" {
		w, err := Load(explicitPath)
		if err != nil {
			return nil, "", err
		}
		return w, explicitPath, nil
	}

	candidates := []string{
		filepath.Join(ProjectConfigDir(workingDir), "workflow.yaml"),
	}
	if global := GlobalConfigDir(); global != "" {
		candidates = append(candidates, filepath.Join(global, "workflow.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			w, err := Load(path)
			if err != nil {
				return nil, "", err
			}
			return w, path, nil
		}
	}

	return Default(), "", nil
}
