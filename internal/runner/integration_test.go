package runner

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/iambrandonn/plandrive/internal/stream"
	"github.com/iambrandonn/plandrive/pkg/testharness"
)

// buildFixture compiles the fakeclaude binary once per test.
func buildFixture(t *testing.T) string {
	t.Helper()

	root, err := testharness.FindProjectRoot(".")
	if err != nil {
		t.Fatalf("failed to locate project root: %v", err)
	}

	path, err := testharness.BuildFakeClaude(context.Background(), root, t.TempDir())
	if err != nil {
		t.Fatalf("failed to build fixture: %v", err)
	}
	return path
}

func TestInvokeAgainstFixtureBinary(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping fixture build in short mode")
	}

	fixture := buildFixture(t)
	t.Setenv("FAKECLAUDE_SESSION", "fixture-session")
	t.Setenv("FAKECLAUDE_TOOL", "Edit")
	t.Setenv("FAKECLAUDE_RESULT", "phase implemented")
	t.Setenv("FAKECLAUDE_COST", "0.25")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRunner(t.TempDir(), []string{fixture}, logger)

	kinds := map[stream.Kind]int{}
	r.SetEventHandler(func(ev stream.Event) { kinds[ev.Kind]++ })

	res := r.Invoke(context.Background(), "implement the next phase", nil)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.SessionID != "fixture-session" {
		t.Errorf("session = %q, want fixture-session", res.SessionID)
	}
	if kinds[stream.KindInit] != 1 || kinds[stream.KindAssistant] != 2 || kinds[stream.KindToolResult] != 1 || kinds[stream.KindResult] != 1 {
		t.Errorf("unexpected event mix: %v", kinds)
	}
	if got := r.CostUSD(); got != 0.25 {
		t.Errorf("cost = %v, want 0.25", got)
	}

	// A second invocation must resume the conversation and add to the
	// reported cost.
	res = r.Invoke(context.Background(), "continue", nil)
	if !res.Success {
		t.Fatalf("second invocation failed: %+v", res)
	}
	if res.SessionID != "fixture-session" {
		t.Errorf("resumed session = %q, want fixture-session", res.SessionID)
	}
	if got := r.CostUSD(); got != 0.5 {
		t.Errorf("accumulated cost = %v, want 0.5", got)
	}

	r.ResetUsage()
	if got := r.CostUSD(); got != 0 {
		t.Errorf("cost after reset = %v, want 0", got)
	}
}
