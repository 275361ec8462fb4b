// Package vcs wraps the handful of git queries the engine needs: working
// tree status, cleanliness checks, repository root resolution, and a
// conventional-commit message generated from the current change set.
package vcs

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// FileStatus is one changed file from `git status --porcelain`.
type FileStatus struct {
	Code string // two-character porcelain status, trimmed
	Path string
}

// Status returns the list of changed files in dir.
func Status(dir string) ([]FileStatus, error) {
	out, err := gitOutput(dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	var files []FileStatus
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code := strings.TrimSpace(line[:2])
		if code == "" {
			code = "?"
		}
		files = append(files, FileStatus{Code: code, Path: line[3:]})
	}
	return files, nil
}

// IsClean reports whether the working tree in dir has no pending changes.
func IsClean(dir string) (bool, error) {
	out, err := gitOutput(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// ToplevelDir resolves the repository root containing dir. If dir is not
// inside a git repository, dir itself is returned.
func ToplevelDir(dir string) string {
	out, err := gitOutput(dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return dir
	}
	top := strings.TrimSpace(out)
	if top == "" {
		return dir
	}
	return top
}

// GenerateCommitMessage produces a short conventional-commit message from the
// current change set. It is a heuristic: commit type from the mix of added,
// modified, and deleted files, scope from the common path prefix.
func GenerateCommitMessage(dir string) string {
	files, err := Status(dir)
	if err != nil || len(files) == 0 {
		return "chore: no changes"
	}

	var added, modified, deleted []string
	for _, f := range files {
		switch {
		case f.Code == "A" || f.Code == "??":
			added = append(added, f.Path)
		case f.Code == "D":
			deleted = append(deleted, f.Path)
		default:
			modified = append(modified, f.Path)
		}
	}

	action, desc := "chore", "update"
	switch {
	case len(added) > 0 && len(modified) == 0 && len(deleted) == 0:
		action, desc = "feat", "add"
	case len(deleted) > 0 && len(added) == 0:
		action, desc = "refactor", "remove"
	case len(modified) > 0:
		action, desc = "feat", "update"
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	scope := commonScope(paths)

	if len(paths) == 1 {
		return fmt.Sprintf("%s(%s): %s %s", action, scope, desc, filepath.Base(paths[0]))
	}
	return fmt.Sprintf("%s(%s): %s %d files", action, scope, desc, len(paths))
}

// commonScope derives a scope token from the changed paths: first path
// segment shared by all files, else the stem of the first file.
func commonScope(paths []string) string {
	if len(paths) == 0 {
		return "misc"
	}

	first := topSegment(paths[0])
	shared := first != ""
	for _, p := range paths[1:] {
		if topSegment(p) != first {
			shared = false
			break
		}
	}
	if shared && first != "" {
		return first
	}

	base := filepath.Base(paths[0])
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" {
		return "misc"
	}
	return base
}

func topSegment(path string) string {
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}
