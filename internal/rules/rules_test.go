package rules_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/rules"
	"github.com/stretchr/testify/require"
)

const defaultYAML = `
rules:
  - id: WEAK-HASH
    kind: pattern
    severity: HIGH
    message: md5 is weak
    pattern: 'md5\.'
  - id: "*"
    kind: secret
    severity: CRITICAL
    message: leaked secret
`

func TestLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.yaml"), []byte(defaultYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.yml"), []byte("name: nothing\nrules: []\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# rules"), 0o644))

	p, err := rules.Load(dir, "default")
	require.NoError(t, err)
	require.Equal(t, []string{"default", "nothing"}, p.Names())

	rs, err := p.Resolve("")
	require.NoError(t, err)
	require.Equal(t, "default", rs.Name)
	require.Equal(t, []model.RuleKind{model.RuleKindPattern, model.RuleKindSecret}, rs.Kinds())
	require.Equal(t, `md5\.`, rs.Rules[0].Pattern)

	rs, err = p.Resolve("nothing")
	require.NoError(t, err)
	require.True(t, rs.Empty())

	_, err = p.Resolve("missing")
	require.ErrorIs(t, err, model.ErrRuleSetNotFound)
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"unknown kind", "rules:\n  - id: A\n    kind: ast\n", `unknown kind "ast"`},
		{"missing id", "rules:\n  - kind: pattern\n", "missing id"},
		{"duplicate id", "rules:\n  - id: A\n    kind: pattern\n  - id: A\n    kind: secret\n", "duplicate id A"},
		{"unknown field", "rulez: []\n", "field rulez not found"},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(tt.given), 0o644))
			_, err := rules.Load(dir, "bad")
			require.ErrorContains(t, err, tt.then)
		})
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	p := rules.New(model.RuleSet{Name: "a"}, model.RuleSet{Name: "b"})
	rs, err := p.Resolve("")
	require.NoError(t, err)
	require.Equal(t, "a", rs.Name)
}
