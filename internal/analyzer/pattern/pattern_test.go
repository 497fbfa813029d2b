package pattern_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Inspector/internal/analyzer/pattern"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/stretchr/testify/require"
)

func TestPattern(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "db.go"), []byte(`package pkg

import "crypto/md5"

func hash(b []byte) { md5.Sum(b) }
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), []byte{0, 1, 2, 3, 'm', 'd', '5', 0xff}, 0o644))

	rules := model.RuleSet{Name: "crypto", Rules: []model.Rule{
		{ID: "WEAK-HASH", Kind: model.RuleKindPattern, Severity: model.SeverityHigh, Message: "md5 is weak", Pattern: `md5\.Sum`},
		{ID: "IMPORT-MD5", Kind: model.RuleKindPattern, Severity: model.SeverityLow, Message: "md5 imported", Pattern: `"crypto/md5"`},
	}}

	var testCases = []struct {
		scenario string
		given    int
	}{
		{"single", 0},
		{"multi", 4},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			res, err := pattern.New().Scan(t.Context(), model.ScanConfig{Dir: dir, RuleSet: rules, Threads: tt.given, Benchmark: true})
			require.NoError(t, err)
			require.Empty(t, res.Exceptions)
			var got []string
			for _, v := range res.Report().Violations {
				got = append(got, v.String())
			}
			require.ElementsMatch(t, []string{
				"pkg/db.go:3: [IMPORT-MD5] md5 imported",
				"pkg/db.go:5: [WEAK-HASH] md5 is weak",
			}, got)
		})
	}
}

func TestPattern_InvalidRule(t *testing.T) {
	t.Parallel()
	rules := model.RuleSet{Rules: []model.Rule{
		{ID: "BROKEN", Kind: model.RuleKindPattern, Pattern: `(unclosed`},
	}}
	res, err := pattern.New().Scan(t.Context(), model.ScanConfig{Dir: t.TempDir(), RuleSet: rules})
	require.ErrorIs(t, err, model.ErrSetup)
	require.Len(t, res.Exceptions, 1)
	require.Equal(t, model.StageSetup, res.Exceptions[0].Stage)
}
