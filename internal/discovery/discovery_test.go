package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, root, rel string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("# plan\n"), 0644))
}

func TestFindPlans(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "docs/plans/feature-plan.md")
	touch(t, root, "thoughts/widget_plan.md")
	touch(t, root, "notes/random.md")
	touch(t, root, "README.md")
	touch(t, root, "node_modules/pkg/evil-plan.md")

	got, err := FindPlans(DefaultConfig(root))
	require.NoError(t, err)

	paths := make([]string, len(got))
	for i, c := range got {
		paths[i] = c.Path
	}

	assert.Contains(t, paths, filepath.Join("docs", "plans", "feature-plan.md"))
	assert.Contains(t, paths, filepath.Join("thoughts", "widget_plan.md"))
	assert.NotContains(t, paths, "README.md", "non-plan markdown is excluded")
	assert.NotContains(t, paths, filepath.Join("node_modules", "pkg", "evil-plan.md"), "ignored dirs are skipped")

	// Highest score first: plans/ dir + -plan.md name beats thoughts/ + _plan.md.
	require.NotEmpty(t, got)
	assert.Equal(t, filepath.Join("docs", "plans", "feature-plan.md"), got[0].Path)
}

func TestFindPlansDeterministic(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "plans/a-plan.md")
	touch(t, root, "plans/b-plan.md")

	first, err := FindPlans(DefaultConfig(root))
	require.NoError(t, err)
	second, err := FindPlans(DefaultConfig(root))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestFindPlansMaxCandidates(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d"} {
		touch(t, root, filepath.Join("plans", name+"-plan.md"))
	}

	cfg := DefaultConfig(root)
	cfg.MaxCandidates = 2
	got, err := FindPlans(cfg)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFindPlansBadRoot(t *testing.T) {
	_, err := FindPlans(DefaultConfig(""))
	assert.Error(t, err)

	_, err = FindPlans(DefaultConfig(filepath.Join(t.TempDir(), "missing")))
	assert.Error(t, err)
}
