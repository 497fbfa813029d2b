// Package pattern matches rules' regular expressions line by line.
package pattern

import (
	"bufio"
	"bytes"
	"context"
	"fmt"

	"github.com/CZERTAINLY/Inspector/internal/analyzer"
	"github.com/CZERTAINLY/Inspector/internal/bench"
	"github.com/CZERTAINLY/Inspector/internal/model"

	regexp "github.com/wasilibs/go-re2"
)

func New(opts ...analyzer.Option) *analyzer.Files {
	return analyzer.NewFiles(model.RuleKindPattern, setup, opts...)
}

type compiled struct {
	rule model.Rule
	re   *regexp.Regexp
}

type detector struct {
	rules []compiled
	bench *bench.Benchmarker
}

func setup(_ context.Context, rules model.RuleSet, b *bench.Benchmarker) (analyzer.Detector, error) {
	d := &detector{bench: b}
	for _, r := range rules.Rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %s: empty pattern", r.ID)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		d.rules = append(d.rules, compiled{rule: r, re: re})
	}
	return d, nil
}

func (d *detector) Detect(ctx context.Context, file analyzer.File) ([]model.Violation, error) {
	var ret []model.Violation
	for _, c := range d.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stop := d.bench.RuleTimer(c.rule.ID)
		lines := bufio.NewScanner(bytes.NewReader(file.Content))
		lines.Buffer(make([]byte, 0, 64*1024), len(file.Content)+1)
		for n := 1; lines.Scan(); n++ {
			if !c.re.Match(lines.Bytes()) {
				continue
			}
			ret = append(ret, model.Violation{
				RuleID:    c.rule.ID,
				File:      file.Path,
				Line:      n,
				Severity:  c.rule.Severity,
				Message:   c.rule.Message,
				Reference: c.rule.Reference,
			})
		}
		stop.Stop()
		if err := lines.Err(); err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func (*detector) Close() error {
	return nil
}
