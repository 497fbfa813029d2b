package processor

import (
	"context"
	"iter"

	"github.com/CZERTAINLY/Inspector/internal/bench"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/walk"
)

// Single runs every task as soon as its file is discovered.
type Single struct {
	bench *bench.Benchmarker
}

func (p Single) Run(ctx context.Context, setup Setup, rules model.RuleSet, root string) (Result, error) {
	return p.RunSeq(ctx, setup, rules, walk.Dir(ctx, root))
}

func (p Single) RunSeq(ctx context.Context, setup Setup, rules model.RuleSet, seq iter.Seq2[walk.Entry, error]) (Result, error) {
	factory, failed, err := setupFactory(ctx, setup, rules)
	if err != nil {
		return *failed, err
	}
	defer func() {
		_ = factory.Close()
	}()

	var ret Result
	walkTimer := p.bench.Timer("walk")
	for entry, err := range seq {
		if err != nil {
			ret.Exceptions = append(ret.Exceptions, model.NewSystemException(model.StageWalk, entry.Path(), err))
			continue
		}
		report, exc := runTask(ctx, p.bench, entry.Path(), factory.Task(entry))
		if exc != nil {
			ret.Exceptions = append(ret.Exceptions, *exc)
			continue
		}
		ret.Reports = append(ret.Reports, report)
	}
	walkTimer.Stop()
	return ret, ctx.Err()
}
