// Package secrets finds leaked credentials using the default gitleaks rules.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/CZERTAINLY/Inspector/internal/analyzer"
	"github.com/CZERTAINLY/Inspector/internal/bench"
	"github.com/CZERTAINLY/Inspector/internal/model"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Wildcard is the rule ID enabling all gitleaks findings.
const Wildcard = "*"

// Scanner is a pool of gitleaks detectors. Detector is not safe for
// concurrent use, so each goroutine borrows its own.
type Scanner struct {
	pool sync.Pool
	mx   sync.Mutex
}

func NewScanner() (*Scanner, error) {
	first, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating new gitleaks detector: %w", err)
	}
	s := &Scanner{}
	s.pool = sync.Pool{
		New: func() any {
			s.mx.Lock()
			defer s.mx.Unlock()
			detector, err := detect.NewDetectorDefaultConfig()
			if err != nil {
				panic(err)
			}
			return detector
		},
	}
	s.pool.Put(first)
	return s, nil
}

// New returns an analyzer for secret rules. A rule matches gitleaks findings
// of the same rule ID, the Wildcard rule matches everything.
func New(opts ...analyzer.Option) (*analyzer.Files, error) {
	s, err := NewScanner()
	if err != nil {
		return nil, err
	}
	return analyzer.NewFiles(model.RuleKindSecret, s.setup, opts...), nil
}

func (s *Scanner) setup(_ context.Context, rules model.RuleSet, _ *bench.Benchmarker) (analyzer.Detector, error) {
	d := &detector{scanner: s, rules: make(map[string]model.Rule, len(rules.Rules))}
	for _, r := range rules.Rules {
		if r.ID == Wildcard {
			w := r
			d.wildcard = &w
			continue
		}
		d.rules[r.ID] = r
	}
	return d, nil
}

type detector struct {
	scanner  *Scanner
	rules    map[string]model.Rule
	wildcard *model.Rule
}

func (d *detector) Detect(ctx context.Context, file analyzer.File) ([]model.Violation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gl := d.scanner.pool.Get().(*detect.Detector)
	defer d.scanner.pool.Put(gl)

	var ret []model.Violation
	for _, finding := range gl.DetectString(string(file.Content)) {
		rule, ok := d.rules[finding.RuleID]
		if !ok {
			if d.wildcard == nil {
				continue
			}
			rule = *d.wildcard
		}
		msg := rule.Message
		if msg == "" {
			msg = finding.Description
		}
		ret = append(ret, model.Violation{
			RuleID:    finding.RuleID,
			File:      file.Path,
			Line:      finding.StartLine,
			Severity:  rule.Severity,
			Message:   msg,
			Reference: rule.Reference,
		})
	}
	return ret, nil
}

func (*detector) Close() error {
	return nil
}
