package testharness

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestBuildBinariesAndRun(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping binary build in short mode")
	}

	root, err := FindProjectRoot(".")
	if err != nil {
		t.Fatalf("failed to locate project root: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	plandrive, fakeclaude, err := BuildBinaries(ctx, root, t.TempDir())
	if err != nil {
		t.Fatalf("BuildBinaries failed: %v", err)
	}

	out, err := exec.CommandContext(ctx, plandrive, "--help").CombinedOutput()
	if err != nil {
		t.Fatalf("plandrive --help failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "resume") {
		t.Errorf("help output missing subcommands:\n%s", out)
	}

	out, err = exec.CommandContext(ctx, fakeclaude, "-p", "hello").CombinedOutput()
	if err != nil {
		t.Fatalf("fakeclaude failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), `"subtype":"init"`) {
		t.Errorf("fixture output missing init event:\n%s", out)
	}
	if !strings.Contains(string(out), "received: hello") {
		t.Errorf("fixture output missing echoed prompt:\n%s", out)
	}
}

func TestBuildBinariesValidatesArgs(t *testing.T) {
	if _, _, err := BuildBinaries(context.Background(), "", t.TempDir()); err == nil {
		t.Error("empty project root should be rejected")
	}
	if _, _, err := BuildBinaries(context.Background(), t.TempDir(), ""); err == nil {
		t.Error("empty output directory should be rejected")
	}
}

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot(".")
	if err != nil {
		t.Fatalf("FindProjectRoot failed: %v", err)
	}
	if root == "" {
		t.Fatal("expected a project root")
	}

	if _, err := FindProjectRoot(t.TempDir()); err == nil {
		t.Error("a directory tree without go.mod should be an error")
	}
}
