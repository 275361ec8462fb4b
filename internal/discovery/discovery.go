// Package discovery finds candidate implementation-plan files in a working
// tree. Given a root, it walks a curated set of directories, filters for
// markdown files whose names or locations suggest a plan, and returns
// candidates ranked by score then recency. The traversal order and scoring
// are stable so the same tree always yields the same list.
package discovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultSearchPaths enumerates the directories inspected (relative to the root).
var DefaultSearchPaths = []string{".", "docs", "plans", "thoughts"}

// DefaultIgnoredDirs lists directory names skipped during discovery.
var DefaultIgnoredDirs = []string{".git", "node_modules", ".idea", ".cache", "dist", "build", "vendor", ".plandrive"}

// Config configures plan discovery.
type Config struct {
	Root          string
	SearchPaths   []string
	IgnoreDirs    []string
	MaxCandidates int
}

// DefaultConfig returns a Config populated with deterministic defaults.
func DefaultConfig(root string) Config {
	return Config{
		Root:          root,
		SearchPaths:   append([]string{}, DefaultSearchPaths...),
		IgnoreDirs:    append([]string{}, DefaultIgnoredDirs...),
		MaxCandidates: 20,
	}
}

// Candidate is one discovered plan file.
type Candidate struct {
	Path    string // relative to the root
	Score   int
	ModTime time.Time
}

// FindPlans scans the configured root and returns ranked plan candidates.
func FindPlans(cfg Config) ([]Candidate, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("discovery: root is required")
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve root: %w", err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("discovery: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("discovery: root is not a directory: %s", root)
	}

	searchPaths := cfg.SearchPaths
	if len(searchPaths) == 0 {
		searchPaths = DefaultSearchPaths
	}
	ignore := make(map[string]struct{}, len(cfg.IgnoreDirs))
	for _, name := range cfg.IgnoreDirs {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			ignore[trimmed] = struct{}{}
		}
	}

	seen := make(map[string]struct{})
	var candidates []Candidate

	for _, search := range searchPaths {
		base := filepath.Join(root, search)
		if _, err := os.Stat(base); err != nil {
			continue
		}

		err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if _, skip := ignore[d.Name()]; skip && path != base {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(d.Name(), ".md") {
				return nil
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			if _, dup := seen[rel]; dup {
				return nil
			}

			score := scorePath(rel)
			if score == 0 {
				return nil
			}

			fi, err := d.Info()
			if err != nil {
				return nil
			}

			seen[rel] = struct{}{}
			candidates = append(candidates, Candidate{Path: rel, Score: score, ModTime: fi.ModTime()})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("discovery: walk %s: %w", base, err)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		if !candidates[i].ModTime.Equal(candidates[j].ModTime) {
			return candidates[i].ModTime.After(candidates[j].ModTime)
		}
		return candidates[i].Path < candidates[j].Path
	})

	max := cfg.MaxCandidates
	if max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates, nil
}

// scorePath assigns a confidence score from filename and location
// heuristics. Zero means "not a plan".
func scorePath(rel string) int {
	name := strings.ToLower(filepath.Base(rel))
	dir := strings.ToLower(filepath.Dir(rel))

	score := 0
	if strings.HasSuffix(name, "-plan.md") || strings.HasSuffix(name, "_plan.md") || name == "plan.md" {
		score += 3
	}
	if strings.Contains(dir, "plans") {
		score += 2
	}
	if strings.Contains(dir, "thoughts") {
		score++
	}
	if score == 0 && strings.Contains(name, "plan") {
		score = 1
	}
	return score
}
