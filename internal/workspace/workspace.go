// Package workspace manages the project-local .plandrive directory that
// holds run state, execution logs, and raw event transcripts.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirName is the project-local state directory.
const DirName = ".plandrive"

// RequiredSubdirs lists the subdirectories every state dir must contain.
func RequiredSubdirs() []string {
	return []string{
		"state",  // state/run.json
		"events", // events/<run_id>.ndjson (append-only transcript)
		"logs",   // logs/<ts>_<plan>.md (human-readable)
	}
}

// StateDir returns the state directory path for a working directory.
func StateDir(workingDir string) string {
	return filepath.Join(workingDir, DirName)
}

// Initialize creates the state directory and its subdirectories with 0700
// permissions. Idempotent.
func Initialize(workingDir string) (string, error) {
	root := StateDir(workingDir)
	for _, sub := range RequiredSubdirs() {
		path := filepath.Join(root, sub)
		if err := os.MkdirAll(path, 0700); err != nil {
			return "", fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return root, nil
}
