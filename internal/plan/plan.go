// Package plan parses markdown implementation plans and decides when a plan
// is fully implemented. Phases are `## Phase N` headings; statuses come from
// a status table or inline `**Status:** ...` markers. The completion check is
// intentionally forgiving: plans are edited by the agent mid-run and the
// engine only needs a boolean at phase boundaries.
package plan

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Status of a phase as recorded in the plan document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Phase is one `## Phase N` section of a plan.
type Phase struct {
	Number int
	Title  string
	Status Status
}

// Plan is the parsed structure of a plan document.
type Plan struct {
	Path   string
	Title  string
	Phases []Phase
}

var (
	titlePattern = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	phasePattern = regexp.MustCompile(`(?im)^##\s*Phase\s*(\d+)[:\s]*(.*)$`)
	// statusTablePattern matches rows like `| Phase 2 | ... | **COMPLETE** |`.
	statusTablePattern = regexp.MustCompile(`(?i)\|\s*Phase\s*(\d+)\s*\|[^|]*\|[^|]*?\*{0,2}(COMPLETE|PENDING|IN PROGRESS|FAILED)\*{0,2}[^|]*\|`)
	// statusMarkerPattern matches inline `**Status:** complete` markers.
	statusMarkerPattern  = regexp.MustCompile(`(?i)\*\*Status:\*\*\s*(complete|pending|in[ _]progress|failed)`)
	completeCountPattern = regexp.MustCompile(`(?i)\*\*Status:\*\*\s*complete`)
)

// Parse reads and parses the plan at path.
func Parse(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}

	content := string(data)
	p := &Plan{Path: path, Title: "Untitled Plan"}

	if m := titlePattern.FindStringSubmatch(content); m != nil {
		p.Title = strings.TrimSpace(m[1])
	}

	statuses := tableStatuses(content)

	matches := phasePattern.FindAllStringSubmatchIndex(content, -1)
	for i, m := range matches {
		number, _ := strconv.Atoi(content[m[2]:m[3]])
		title := strings.TrimSpace(content[m[4]:m[5]])

		// Section body runs to the next phase heading (or EOF) and may carry
		// an inline status marker that overrides the table.
		end := len(content)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		body := content[m[1]:end]

		status := StatusPending
		if s, ok := statuses[number]; ok {
			status = s
		}
		if m := statusMarkerPattern.FindStringSubmatch(body); m != nil {
			status = normalizeStatus(m[1])
		}

		p.Phases = append(p.Phases, Phase{Number: number, Title: title, Status: status})
	}

	return p, nil
}

// Progress returns the fraction of completed phases in [0, 1].
func (p *Plan) Progress() float64 {
	if len(p.Phases) == 0 {
		return 0
	}
	completed := 0
	for _, ph := range p.Phases {
		if ph.Status == StatusCompleted {
			completed++
		}
	}
	return float64(completed) / float64(len(p.Phases))
}

// IsComplete reports whether the plan document indicates all work is done:
// either an explicit "100%" progress marker or every phase marked complete.
func IsComplete(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read plan %s: %w", path, err)
	}

	content := string(data)
	if strings.Contains(content, "100%") {
		return true, nil
	}

	total := len(phasePattern.FindAllString(content, -1))
	if total == 0 {
		return false, nil
	}

	completed := len(completeCountPattern.FindAllString(content, -1))
	return completed >= total, nil
}

// Detector adapts the package functions to the engine's completion
// interface.
type Detector struct{}

func (Detector) IsComplete(planPath string) (bool, error) { return IsComplete(planPath) }

func tableStatuses(content string) map[int]Status {
	statuses := make(map[int]Status)
	for _, m := range statusTablePattern.FindAllStringSubmatch(content, -1) {
		number, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		statuses[number] = normalizeStatus(m[2])
	}
	return statuses
}

func normalizeStatus(raw string) Status {
	switch strings.ToLower(strings.ReplaceAll(raw, " ", "_")) {
	case "complete", "completed":
		return StatusCompleted
	case "in_progress":
		return StatusInProgress
	case "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}
