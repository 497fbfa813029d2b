// Package processor runs the file level work of one scan: it walks a tree,
// builds one task per regular file and aggregates per file reports together
// with traversal and task failures.
package processor

import (
	"context"
	"fmt"
	"iter"

	"github.com/CZERTAINLY/Inspector/internal/bench"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/walk"
)

// Task analyzes a single file.
type Task func(ctx context.Context) (model.Report, error)

// Factory builds a task for every file found. Close releases resources
// acquired by Setup and is called once the walk finished.
type Factory interface {
	Task(entry walk.Entry) Task
	Close() error
}

// Setup materializes a rule set into a Factory. It may fail, for example when
// rules can't be written to a file an external tool needs.
type Setup func(ctx context.Context, rules model.RuleSet) (Factory, error)

// FactoryFunc adapts a function without resources to Factory.
type FactoryFunc func(entry walk.Entry) Task

func (f FactoryFunc) Task(entry walk.Entry) Task {
	return f(entry)
}

func (FactoryFunc) Close() error {
	return nil
}

// Result is an outcome of one Run. Reports are per file, in no particular
// order.
type Result struct {
	Reports    []model.Report
	Exceptions []model.SystemException
}

// Report joins all per file reports into one.
func (r Result) Report() model.Report {
	return model.JoinAll(r.Reports...)
}

// Join merges results of two runs.
func Join(a, b Result) Result {
	var ret Result
	ret.Reports = append(append(ret.Reports, a.Reports...), b.Reports...)
	ret.Exceptions = append(append(ret.Exceptions, a.Exceptions...), b.Exceptions...)
	return ret
}

// Processor runs the tasks over a directory tree.
type Processor interface {
	Run(ctx context.Context, setup Setup, rules model.RuleSet, root string) (Result, error)
	RunSeq(ctx context.Context, setup Setup, rules model.RuleSet, seq iter.Seq2[walk.Entry, error]) (Result, error)
}

// New returns a single threaded processor for threads == 0 and a multi
// threaded one otherwise.
func New(threads int, b *bench.Benchmarker) Processor {
	if threads <= 0 {
		return Single{bench: b}
	}
	return Multi{threads: threads, bench: b}
}

func setupFactory(ctx context.Context, setup Setup, rules model.RuleSet) (Factory, *Result, error) {
	factory, err := setup(ctx, rules)
	if err != nil {
		return nil, &Result{
			Exceptions: []model.SystemException{model.NewSystemException(model.StageSetup, "", err)},
		}, fmt.Errorf("%w: %w", model.ErrSetup, err)
	}
	return factory, nil, nil
}

// runTask runs one task and converts its failure or panic to a system
// exception.
func runTask(ctx context.Context, b *bench.Benchmarker, path string, task Task) (report model.Report, exc *model.SystemException) {
	defer b.Timer("task").Stop()
	defer func() {
		if r := recover(); r != nil {
			e := model.NewSystemException(model.StageTask, path, fmt.Errorf("panic: %v", r))
			exc = &e
		}
	}()
	report, err := task(ctx)
	if err != nil {
		e := model.NewSystemException(model.StageTask, path, err)
		return model.Report{}, &e
	}
	return report, nil
}
