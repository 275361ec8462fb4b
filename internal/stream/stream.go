// Package stream decodes the line-delimited event protocol emitted by the
// agent CLI in stream-json mode. Each output line is independently parsed:
// recognized JSON shapes become typed events, everything else degrades to an
// unrecognized event carrying the raw text. The parser never fails on input
// it does not understand, because the stream is produced by an external
// process that also writes plain diagnostic lines.
package stream

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Kind identifies the type of a decoded stream event.
type Kind string

const (
	// KindInit is the session initialization event carrying the session ID.
	KindInit Kind = "init"
	// KindAssistant is an assistant message with ordered content items.
	KindAssistant Kind = "assistant"
	// KindToolResult acknowledges a completed tool invocation.
	KindToolResult Kind = "tool_result"
	// KindResult is the final event of an invocation (summary + cost).
	KindResult Kind = "result"
	// KindUnrecognized wraps any line the parser could not classify.
	KindUnrecognized Kind = "unrecognized"
)

// ItemType identifies one piece of assistant message content.
type ItemType string

const (
	ItemText    ItemType = "text"
	ItemToolUse ItemType = "tool_use"
)

// Item is a single ordered content item within an assistant event.
type Item struct {
	Type ItemType
	Text string // populated for ItemText
	Tool string // populated for ItemToolUse
}

// Event is one decoded protocol event. Raw always holds the original line;
// Display holds the same text with terminal control sequences stripped.
type Event struct {
	Kind      Kind
	SessionID string  // KindInit
	Items     []Item  // KindAssistant
	Summary   string  // KindResult
	CostUSD   float64 // KindResult
	Raw       string
	Display   string
}

// wireMessage mirrors the top-level JSON shape of a stream-json line. Only
// the fields the engine cares about are declared; everything else is ignored.
type wireMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Message   struct {
		Content []wireContent `json:"content"`
	} `json:"message"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

var ansiPattern = regexp.MustCompile("\x1b(?:[@-Z\\\\-_]|\\[[0-?]*[ -/]*[@-~])")

// StripANSI removes terminal control sequences from s.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// ParseLine decodes one output line into an event. Blank lines produce no
// event (ok is false). Malformed or unknown lines are returned as
// KindUnrecognized rather than an error.
func ParseLine(line string) (Event, bool) {
	trimmed := strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(trimmed) == "" {
		return Event{}, false
	}

	ev := Event{
		Kind:    KindUnrecognized,
		Raw:     trimmed,
		Display: StripANSI(trimmed),
	}

	var msg wireMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return ev, true
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" && msg.SessionID != "" {
			ev.Kind = KindInit
			ev.SessionID = msg.SessionID
		}

	case "assistant":
		ev.Kind = KindAssistant
		for _, item := range msg.Message.Content {
			switch item.Type {
			case "text":
				if strings.TrimSpace(item.Text) != "" {
					ev.Items = append(ev.Items, Item{Type: ItemText, Text: item.Text})
				}
			case "tool_use":
				ev.Items = append(ev.Items, Item{Type: ItemToolUse, Tool: item.Name})
			}
		}

	case "user":
		// Tool results come back wrapped in user messages.
		for _, item := range msg.Message.Content {
			if item.Type == "tool_result" {
				ev.Kind = KindToolResult
				break
			}
		}

	case "result":
		ev.Kind = KindResult
		ev.Summary = msg.Result
		ev.CostUSD = msg.TotalCostUSD
	}

	return ev, true
}
