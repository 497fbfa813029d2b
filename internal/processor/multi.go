package processor

import (
	"context"
	"errors"
	"iter"

	"github.com/CZERTAINLY/Inspector/internal/bench"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/parallel"
	"github.com/CZERTAINLY/Inspector/internal/walk"
)

// Multi submits tasks to an inner pool of threads goroutines while the walk
// is in progress and collects them in completion order. The inner pool lives
// only for one Run.
type Multi struct {
	threads int
	bench   *bench.Benchmarker
}

type outcome struct {
	report model.Report
	exc    *model.SystemException
}

func (p Multi) Run(ctx context.Context, setup Setup, rules model.RuleSet, root string) (Result, error) {
	return p.RunSeq(ctx, setup, rules, walk.Dir(ctx, root))
}

func (p Multi) RunSeq(ctx context.Context, setup Setup, rules model.RuleSet, seq iter.Seq2[walk.Entry, error]) (Result, error) {
	factory, failed, err := setupFactory(ctx, setup, rules)
	if err != nil {
		return *failed, err
	}
	defer func() {
		_ = factory.Close()
	}()

	mapFunc := func(ctx context.Context, entry walk.Entry) (outcome, error) {
		report, exc := runTask(ctx, p.bench, entry.Path(), factory.Task(entry))
		return outcome{report: report, exc: exc}, nil
	}

	var ret Result
	walkTimer := p.bench.Timer("walk")
	for o, err := range parallel.NewMap(ctx, p.threads, mapFunc).Iter(seq) {
		if err != nil {
			var ie *parallel.InputError[walk.Entry]
			if errors.As(err, &ie) {
				ret.Exceptions = append(ret.Exceptions, model.NewSystemException(model.StageWalk, ie.Input.Path(), ie.Err))
			}
			continue
		}
		if o.exc != nil {
			ret.Exceptions = append(ret.Exceptions, *o.exc)
			continue
		}
		ret.Reports = append(ret.Reports, o.report)
	}
	walkTimer.Stop()
	return ret, ctx.Err()
}
