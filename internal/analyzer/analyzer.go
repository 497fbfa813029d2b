// Package analyzer defines the contract of analyzer modules and dispatches
// rule sets to them by rule kind.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/processor"
)

// Analyzer evaluates rules of one kind over a working directory.
type Analyzer interface {
	Kind() model.RuleKind
	Scan(ctx context.Context, cfg model.ScanConfig) (processor.Result, error)
}

// Registry maps rule kinds to analyzer modules. It is safe for concurrent use.
type Registry struct {
	mx        sync.RWMutex
	analyzers map[model.RuleKind]Analyzer
}

func NewRegistry(analyzers ...Analyzer) *Registry {
	r := &Registry{analyzers: make(map[model.RuleKind]Analyzer, len(analyzers))}
	for _, a := range analyzers {
		r.Register(a)
	}
	return r
}

// Register adds an analyzer, replacing the one registered for the same kind.
func (r *Registry) Register(a Analyzer) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.analyzers[a.Kind()] = a
}

func (r *Registry) Lookup(kind model.RuleKind) (Analyzer, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	a, ok := r.analyzers[kind]
	return a, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.analyzers)
}

// Kinds returns registered kinds sorted by name.
func (r *Registry) Kinds() []model.RuleKind {
	r.mx.RLock()
	defer r.mx.RUnlock()
	ret := make([]model.RuleKind, 0, len(r.analyzers))
	for k := range r.analyzers {
		ret = append(ret, k)
	}
	slices.Sort(ret)
	return ret
}

// Scan routes every kind of the rule set to its analyzer and joins the
// results. Rules without a registered analyzer and analyzers failing in
// setup are recorded as setup exceptions, the remaining analyzers still run.
// Only a canceled context is returned as an error.
func (r *Registry) Scan(ctx context.Context, cfg model.ScanConfig) (processor.Result, error) {
	var ret processor.Result
	for _, kind := range cfg.RuleSet.Kinds() {
		if err := ctx.Err(); err != nil {
			return ret, err
		}
		a, ok := r.Lookup(kind)
		if !ok {
			err := fmt.Errorf("no analyzer for rule kind %q", kind)
			ret.Exceptions = append(ret.Exceptions, model.NewSystemException(model.StageSetup, "", err))
			continue
		}

		kcfg := cfg
		kcfg.RuleSet = cfg.RuleSet.OfKind(kind)
		res, err := a.Scan(ctx, kcfg)
		ret = processor.Join(ret, res)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ret, err
		default:
			slog.WarnContext(ctx, "analyzer failed", "kind", kind, "error", err)
		}
	}
	return ret, nil
}
