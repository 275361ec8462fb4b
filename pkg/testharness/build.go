// Package testharness compiles the plandrive binaries for integration
// tests that need to drive real child processes.
package testharness

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// BuildBinaries compiles the plandrive and fakeclaude binaries into
// outputDir and returns their absolute paths.
func BuildBinaries(ctx context.Context, projectRoot, outputDir string) (string, string, error) {
	if projectRoot == "" {
		return "", "", fmt.Errorf("project root is required")
	}
	if outputDir == "" {
		return "", "", fmt.Errorf("output directory is required")
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create output directory: %w", err)
	}

	plandrivePath := filepath.Join(outputDir, "plandrive")
	fakeclaudePath := filepath.Join(outputDir, "fakeclaude")

	if err := runGoBuild(ctx, projectRoot, plandrivePath, "./cmd/plandrive"); err != nil {
		return "", "", err
	}
	if err := runGoBuild(ctx, projectRoot, fakeclaudePath, "./cmd/fakeclaude"); err != nil {
		return "", "", err
	}

	return plandrivePath, fakeclaudePath, nil
}

// BuildFakeClaude compiles only the fakeclaude fixture binary.
func BuildFakeClaude(ctx context.Context, projectRoot, outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(outputDir, "fakeclaude")
	if err := runGoBuild(ctx, projectRoot, path, "./cmd/fakeclaude"); err != nil {
		return "", err
	}
	return path, nil
}

// FindProjectRoot walks up from dir until it finds a go.mod.
func FindProjectRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(abs, "go.mod")); err == nil {
			return abs, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", fmt.Errorf("go.mod not found above %s", dir)
		}
		abs = parent
	}
}

func runGoBuild(ctx context.Context, projectRoot, outputPath, pkg string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-trimpath", "-o", outputPath, pkg)
	cmd.Dir = projectRoot

	env := os.Environ()
	env = setEnv(env, "CGO_ENABLED", "0")
	cmd.Env = env

	if combined, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("go build %s failed: %w\n%s", pkg, err, string(combined))
	}
	return nil
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
