// Package external runs a third party linter for every file. Rules are
// written to a YAML file the linter reads, findings are read from SARIF
// printed on its standard output.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/CZERTAINLY/Inspector/internal/analyzer"
	"github.com/CZERTAINLY/Inspector/internal/bench"
	"github.com/CZERTAINLY/Inspector/internal/model"

	"github.com/owenrumney/go-sarif/v2/sarif"
	"gopkg.in/yaml.v3"
)

const (
	rulesArg = "{rules}"
	fileArg  = "{file}"
)

// Config says how to run the linter. Args may contain {rules} and {file}
// placeholders.
type Config struct {
	Command string
	Args    []string
	Timeout time.Duration
}

func FromModel(e model.External) Config {
	return Config{Command: e.Command, Args: e.Args, Timeout: e.TimeoutAfter()}
}

func New(cfg Config, opts ...analyzer.Option) *analyzer.Files {
	x := runner{cfg: cfg}
	return analyzer.NewFiles(model.RuleKindExternal, x.setup, opts...)
}

type runner struct {
	cfg Config
}

func (x runner) setup(_ context.Context, rules model.RuleSet, _ *bench.Benchmarker) (analyzer.Detector, error) {
	if x.cfg.Command == "" {
		return nil, errors.New("external command is not configured")
	}
	f, err := os.CreateTemp("", "inspector-rules-*.yaml")
	if err != nil {
		return nil, fmt.Errorf("creating rules file: %w", err)
	}
	enc := yaml.NewEncoder(f)
	err = errors.Join(enc.Encode(rules), enc.Close(), f.Close())
	if err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("writing rules file: %w", err)
	}
	byID := make(map[string]model.Rule, len(rules.Rules))
	for _, r := range rules.Rules {
		byID[r.ID] = r
	}
	return &detector{cfg: x.cfg, rulesPath: f.Name(), rules: byID}, nil
}

type detector struct {
	cfg       Config
	rulesPath string
	rules     map[string]model.Rule
}

func (d *detector) Close() error {
	return os.Remove(d.rulesPath)
}

func (d *detector) Detect(ctx context.Context, file analyzer.File) ([]model.Violation, error) {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	args := make([]string, len(d.cfg.Args))
	for i, a := range d.cfg.Args {
		a = strings.ReplaceAll(a, rulesArg, d.rulesPath)
		args[i] = strings.ReplaceAll(a, fileArg, file.Abs)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.cfg.Command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	// linters usually exit with non zero status when they find something
	violations, err := d.parse(stdout.Bytes(), file.Path)
	if err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("running %s: %w: %s", d.cfg.Command, runErr, strings.TrimSpace(stderr.String()))
		}
		return nil, err
	}
	return violations, nil
}

func (d *detector) parse(out []byte, path string) ([]model.Violation, error) {
	var report sarif.Report
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("parsing sarif: %w", err)
	}
	var ret []model.Violation
	for _, run := range report.Runs {
		for _, result := range run.Results {
			ret = append(ret, d.violation(result, path))
		}
	}
	return ret, nil
}

func (d *detector) violation(result *sarif.Result, path string) model.Violation {
	v := model.Violation{File: path}
	if result.RuleID != nil {
		v.RuleID = *result.RuleID
	}
	if result.Message.Text != nil {
		v.Message = *result.Message.Text
	}
	for _, loc := range result.Locations {
		if loc.PhysicalLocation == nil || loc.PhysicalLocation.Region == nil {
			continue
		}
		if line := loc.PhysicalLocation.Region.StartLine; line != nil {
			v.Line = *line
			break
		}
	}

	if rule, ok := d.rules[v.RuleID]; ok {
		v.Severity = rule.Severity
		v.Reference = rule.Reference
		if v.Message == "" {
			v.Message = rule.Message
		}
		return v
	}
	level := ""
	if result.Level != nil {
		level = *result.Level
	}
	v.Severity = Severity(level)
	return v
}

// Severity maps a SARIF level to a severity.
func Severity(level string) model.Severity {
	switch level {
	case "error":
		return model.SeverityHigh
	case "warning":
		return model.SeverityMedium
	case "note":
		return model.SeverityLow
	default:
		return model.SeverityInfo
	}
}
