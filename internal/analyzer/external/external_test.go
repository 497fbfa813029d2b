package external_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/Inspector/internal/analyzer/external"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/stretchr/testify/require"
)

// linter reports NO-EVAL on line 2 of files containing eval, it fails when
// the rules file is missing
const linter = `
test -s "$1" || { echo "no rules" >&2; exit 2; }
if grep -q eval "$2"; then
  printf '%s' '{"version":"2.1.0","runs":[{"tool":{"driver":{"name":"fake"}},"results":[{"ruleId":"NO-EVAL","level":"error","message":{"text":"eval used"},"locations":[{"physicalLocation":{"artifactLocation":{"uri":"f"},"region":{"startLine":2}}}]},{"ruleId":"UNKNOWN","level":"warning","message":{"text":"style"}}]}]}'
  exit 1
fi
printf '%s' '{"version":"2.1.0","runs":[]}'
`

var rules = model.RuleSet{Name: "js", Rules: []model.Rule{
	{ID: "NO-EVAL", Kind: model.RuleKindExternal, Severity: model.SeverityCritical, Reference: "CWE-95"},
}}

func TestExternal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.js"), []byte("x = 1\neval(x)\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.js"), []byte("x = 1\n"), 0o644))

	a := external.New(external.Config{
		Command: "/bin/sh",
		Args:    []string{"-c", linter, "linter", "{rules}", "{file}"},
		Timeout: 10 * time.Second,
	})
	res, err := a.Scan(t.Context(), model.ScanConfig{Dir: dir, RuleSet: rules, Threads: 2})
	require.NoError(t, err)
	require.Empty(t, res.Exceptions)

	violations := res.Report().Violations
	require.ElementsMatch(t, []model.Violation{
		{RuleID: "NO-EVAL", File: "bad.js", Line: 2, Severity: model.SeverityCritical, Message: "eval used", Reference: "CWE-95"},
		{RuleID: "UNKNOWN", File: "bad.js", Severity: model.SeverityMedium, Message: "style"},
	}, violations)
}

func TestExternal_Failures(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.js"), []byte("eval(1)\n"), 0o644))

	t.Run("not configured", func(t *testing.T) {
		t.Parallel()
		res, err := external.New(external.Config{}).Scan(t.Context(), model.ScanConfig{Dir: dir, RuleSet: rules})
		require.ErrorIs(t, err, model.ErrSetup)
		require.Len(t, res.Exceptions, 1)
		require.Equal(t, model.StageSetup, res.Exceptions[0].Stage)
	})

	t.Run("garbage output", func(t *testing.T) {
		t.Parallel()
		a := external.New(external.Config{Command: "/bin/sh", Args: []string{"-c", "echo oops >&2; exit 3"}})
		res, err := a.Scan(t.Context(), model.ScanConfig{Dir: dir, RuleSet: rules})
		require.NoError(t, err)
		require.Len(t, res.Exceptions, 1)
		require.Equal(t, model.StageTask, res.Exceptions[0].Stage)
		require.Equal(t, "a.js", res.Exceptions[0].Path)
		require.Contains(t, res.Exceptions[0].Message, "oops")
	})
}

func TestSeverity(t *testing.T) {
	t.Parallel()
	require.Equal(t, model.SeverityHigh, external.Severity("error"))
	require.Equal(t, model.SeverityMedium, external.Severity("warning"))
	require.Equal(t, model.SeverityLow, external.Severity("note"))
	require.Equal(t, model.SeverityInfo, external.Severity(""))
}
