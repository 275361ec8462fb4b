// fakeclaude is a stand-in for the real agent CLI, used in integration
// tests and local experimentation. It accepts the same arguments plandrive
// passes (-p, --output-format, --verbose, --allowedTools, --resume) and
// emits a scripted stream-json conversation on stdout.
//
// Behavior is driven by environment variables:
//
//	FAKECLAUDE_SESSION   session ID to announce (default fake-session)
//	FAKECLAUDE_TEXT      assistant text to emit (default echoes the prompt)
//	FAKECLAUDE_TOOL      tool name to emit a tool_use item for (optional)
//	FAKECLAUDE_RESULT    final result summary (default "done")
//	FAKECLAUDE_COST      total_cost_usd for the result event (default 0)
//	FAKECLAUDE_EXIT      exit code (default 0)
//	FAKECLAUDE_SLEEP_MS  delay before the result event, for interrupt tests
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

type message struct {
	Content []content `json:"content"`
}

func emit(w *bufio.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fakeclaude: %v\n", err)
		os.Exit(1)
	}
	w.Write(data)
	w.WriteByte('\n')
	w.Flush()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var prompt, resume string
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-p", "--resume", "--allowedTools", "--output-format":
			if i+1 < len(args) {
				if args[i] == "-p" {
					prompt = args[i+1]
				}
				if args[i] == "--resume" {
					resume = args[i+1]
				}
				i++
			}
		}
	}

	session := envOr("FAKECLAUDE_SESSION", "fake-session")
	if resume != "" {
		// Continuing a conversation keeps its session ID.
		session = resume
	}

	w := bufio.NewWriter(os.Stdout)

	emit(w, map[string]any{"type": "system", "subtype": "init", "session_id": session})

	text := envOr("FAKECLAUDE_TEXT", "received: "+prompt)
	emit(w, map[string]any{"type": "assistant", "message": message{Content: []content{{Type: "text", Text: text}}}})

	if tool := os.Getenv("FAKECLAUDE_TOOL"); tool != "" {
		emit(w, map[string]any{"type": "assistant", "message": message{Content: []content{{Type: "tool_use", Name: tool}}}})
		emit(w, map[string]any{"type": "user", "message": message{Content: []content{{Type: "tool_result"}}}})
	}

	if ms, _ := strconv.Atoi(os.Getenv("FAKECLAUDE_SLEEP_MS")); ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}

	cost, _ := strconv.ParseFloat(os.Getenv("FAKECLAUDE_COST"), 64)
	emit(w, map[string]any{"type": "result", "result": envOr("FAKECLAUDE_RESULT", "done"), "total_cost_usd": cost})

	code, _ := strconv.Atoi(os.Getenv("FAKECLAUDE_EXIT"))
	os.Exit(code)
}
