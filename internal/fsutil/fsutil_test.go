package fsutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.txt")

	if err := AtomicWrite(path, []byte("hello")); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read back: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q, want hello", data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("permissions = %v, want 0600", info.Mode().Perm())
	}
}

func TestAtomicWriteOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.txt")

	if err := AtomicWrite(path, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := AtomicWrite(path, []byte("second")); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "second" {
		t.Errorf("content = %q, want second", data)
	}
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.txt")

	if err := AtomicWrite(path, []byte("data")); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestAtomicWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	type payload struct {
		Phase int    `json:"phase"`
		Step  string `json:"step"`
	}

	if err := AtomicWriteJSON(path, payload{Phase: 2, Step: "verify"}); err != nil {
		t.Fatalf("AtomicWriteJSON failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Error("JSON output should end with a newline")
	}

	var got payload
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if got.Phase != 2 || got.Step != "verify" {
		t.Errorf("round trip = %+v", got)
	}
}

func TestAtomicWriteJSONNil(t *testing.T) {
	if err := AtomicWriteJSON(filepath.Join(t.TempDir(), "x.json"), nil); err == nil {
		t.Error("expected error for nil value")
	}
}
