// Package transcript renders stream events and step results for the
// terminal, and condenses raw stream-json output into the human-readable
// excerpts the markdown log stores.
package transcript

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"

	"github.com/iambrandonn/plandrive/internal/stream"
	"github.com/iambrandonn/plandrive/internal/vcs"
)

// Formatter formats stream events for console output.
type Formatter struct {
	tool    lipgloss.Style
	dim     lipgloss.Style
	err     lipgloss.Style
	ok      lipgloss.Style
	command lipgloss.Style
}

// NewFormatter creates a formatter with the default styles.
func NewFormatter() *Formatter {
	return &Formatter{
		tool:    lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
		dim:     lipgloss.NewStyle().Faint(true),
		err:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		command: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	}
}

// FormatEvent renders one stream event as zero or more display lines.
// An empty return means the event has no visible representation.
func (f *Formatter) FormatEvent(ev stream.Event) string {
	switch ev.Kind {
	case stream.KindInit:
		return f.dim.Render(fmt.Sprintf("session %s", shortID(ev.SessionID)))

	case stream.KindAssistant:
		var lines []string
		for _, item := range ev.Items {
			switch item.Type {
			case stream.ItemText:
				lines = append(lines, strings.TrimRight(item.Text, "\n"))
			case stream.ItemToolUse:
				lines = append(lines, f.tool.Render(fmt.Sprintf("● tool: %s", item.Tool)))
			}
		}
		return strings.Join(lines, "\n")

	case stream.KindToolResult:
		return "" // acknowledged silently; the next assistant event narrates

	case stream.KindResult:
		line := "✓ done"
		if ev.CostUSD > 0 {
			line = fmt.Sprintf("✓ done ($%.2f)", ev.CostUSD)
		}
		if ev.Summary != "" {
			line += ": " + firstLine(ev.Summary)
		}
		return f.ok.Render(line)

	default:
		display := ev.Display
		if cmd, ok := strings.CutPrefix(display, "$ "); ok {
			return f.FormatCommand(cmd)
		}
		if lower := strings.ToLower(display); strings.Contains(lower, "error") {
			return f.err.Render(display)
		}
		return display
	}
}

// FormatCommand renders a shell command echo line.
func (f *Formatter) FormatCommand(command string) string {
	return f.command.Render("$ " + command)
}

// FormatFilesChanged renders a changed-file listing.
func (f *Formatter) FormatFilesChanged(files []vcs.FileStatus) string {
	if len(files) == 0 {
		return f.dim.Render("no changes")
	}
	lines := make([]string, 0, len(files)+1)
	lines = append(lines, fmt.Sprintf("%d file(s) changed:", len(files)))
	for _, file := range files {
		lines = append(lines, fmt.Sprintf("  %-2s %s", file.Code, file.Path))
	}
	return strings.Join(lines, "\n")
}

// Summarize extracts the assistant narrative from raw stream-json output,
// capped at limit bytes. Non-protocol output falls back to a plain
// truncation.
func Summarize(output string, limit int) string {
	if output == "" {
		return ""
	}

	var texts []string
	for _, line := range strings.Split(output, "\n") {
		ev, ok := stream.ParseLine(line)
		if !ok || ev.Kind != stream.KindAssistant {
			continue
		}
		for _, item := range ev.Items {
			if item.Type == stream.ItemText {
				texts = append(texts, strings.TrimSpace(item.Text))
			}
		}
	}

	summary := strings.Join(texts, "\n")
	if summary == "" {
		summary = output
	}
	if limit > 0 && len(summary) > limit {
		// Back off to a rune boundary so a multi-byte character is never
		// split mid-sequence.
		cut := limit
		for cut > 0 && !utf8.RuneStart(summary[cut]) {
			cut--
		}
		summary = summary[:cut]
	}
	return summary
}

// RenderOutput converts raw stream-json output into readable text for the
// markdown log: assistant narrative, tool markers, and the final result.
func RenderOutput(output string) string {
	if output == "" {
		return ""
	}

	var lines []string
	for _, raw := range strings.Split(output, "\n") {
		ev, ok := stream.ParseLine(raw)
		if !ok {
			continue
		}

		switch ev.Kind {
		case stream.KindAssistant:
			for _, item := range ev.Items {
				switch item.Type {
				case stream.ItemText:
					if text := strings.TrimSpace(item.Text); text != "" {
						lines = append(lines, text)
					}
				case stream.ItemToolUse:
					lines = append(lines, fmt.Sprintf("[tool: %s]", item.Tool))
				}
			}
		case stream.KindResult:
			if ev.Summary != "" {
				lines = append(lines, "", "--- Result ---", ev.Summary)
			}
		case stream.KindUnrecognized:
			// Keep plain diagnostic lines, drop raw JSON noise.
			clean := strings.TrimSpace(ev.Display)
			if clean != "" && !strings.HasPrefix(clean, "{") {
				lines = append(lines, clean)
			}
		}
	}

	if len(lines) == 0 {
		return output
	}
	return strings.Join(lines, "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
