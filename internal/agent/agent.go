// Package agent executes a single scan job: it stages the job's input into a
// private working directory, runs analyzers over it, persists the result and
// removes everything it created.
//
// The lifecycle is
//
//	CREATED -> INITIALIZED -> SCANNED -> REPORTED -> CLEANED
//
// with FAILED reachable from every state before CLEANED. Cleanup runs exactly
// once on every path, including panics and cancellation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Inspector/internal/log"
	"github.com/CZERTAINLY/Inspector/internal/metrics"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/processor"
)

type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateScanned
	StateReported
	StateFailed
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateInitialized:
		return "INITIALIZED"
	case StateScanned:
		return "SCANNED"
	case StateReported:
		return "REPORTED"
	case StateFailed:
		return "FAILED"
	case StateCleaned:
		return "CLEANED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Persistence records job progress. Implementations must be safe for
// concurrent use.
type Persistence interface {
	MarkInProgress(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, message string) error
	SaveFinalResult(ctx context.Context, id string, violations []model.Violation, errs []string) error
}

// Scanner runs analyzers over a working directory, *analyzer.Registry is
// the production implementation.
type Scanner interface {
	Scan(ctx context.Context, cfg model.ScanConfig) (processor.Result, error)
}

// Family stages job input of one job family.
type Family interface {
	Name() model.Family
	// Stage fills the empty working directory.
	Stage(ctx context.Context, job model.ScanJob, workdir string) error
	// Clean releases family specific artifacts outside of the working
	// directory. interrupted is true when the job was canceled by a shutdown
	// and is going to be recovered.
	Clean(job model.ScanJob, interrupted bool) error
}

type Config struct {
	// WorkRoot is a parent of working directories, os.TempDir when empty.
	WorkRoot  string
	Threads   int
	Benchmark bool
}

type Agent struct {
	job     model.ScanJob
	rules   model.RuleSet
	family  Family
	store   Persistence
	scanner Scanner
	cfg     Config

	state       atomic.Int32
	workdir     string
	interrupted bool
	cleanOnce   sync.Once
}

func New(job model.ScanJob, rules model.RuleSet, family Family, store Persistence, scanner Scanner, cfg Config) *Agent {
	return &Agent{
		job:     job,
		rules:   rules,
		family:  family,
		store:   store,
		scanner: scanner,
		cfg:     cfg,
	}
}

func (a *Agent) Job() model.ScanJob {
	return a.job
}

func (a *Agent) State() State {
	return State(a.state.Load())
}

// Run executes the whole lifecycle. It never panics and never returns an
// error, failures are persisted via Persistence.MarkFailed.
func (a *Agent) Run(ctx context.Context) {
	ctx = log.ContextAttrs(ctx, a.job.LogAttrs()...)
	start := time.Now()
	violations := 0

	defer func() {
		status := model.StatusDone
		if a.State() == StateFailed {
			status = model.StatusFailed
		}
		a.Clean(ctx)
		metrics.ObserveJob(string(a.job.Family), string(status), time.Since(start), violations)
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "scan agent panicked", "panic", r, "stack", string(debug.Stack()))
			a.HandleFailure(ctx, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := a.Initialize(ctx); err != nil {
		a.HandleFailure(ctx, err)
		return
	}
	res, err := a.Scan(ctx)
	if err != nil {
		a.HandleFailure(ctx, err)
		return
	}
	report := res.Report()
	violations = len(report.Violations)
	if err := a.Report(ctx, report); err != nil {
		a.HandleFailure(ctx, err)
		return
	}
}

// Initialize validates the configuration, creates the working directory,
// stages the input and marks the job in progress. Any error is *model.InitError.
func (a *Agent) Initialize(ctx context.Context) error {
	switch {
	case a.rules.Empty():
		return &model.InitError{Err: errors.New("rule set is empty")}
	case a.store == nil:
		return &model.InitError{Err: errors.New("persistence is not configured")}
	case a.scanner == nil:
		return &model.InitError{Err: errors.New("scanner is not configured")}
	case a.family == nil:
		return &model.InitError{Err: errors.New("job family is not configured")}
	case a.cfg.Threads < 0:
		return &model.InitError{Err: fmt.Errorf("invalid thread count %d", a.cfg.Threads)}
	}

	workdir, err := os.MkdirTemp(a.cfg.WorkRoot, "inspector-"+a.job.ID+"-")
	if err != nil {
		return &model.InitError{Err: fmt.Errorf("creating working directory: %w", err)}
	}
	a.workdir = workdir

	if err := a.family.Stage(ctx, a.job, workdir); err != nil {
		return &model.InitError{Err: fmt.Errorf("staging %s: %w", a.job.Target(), err)}
	}
	if err := a.store.MarkInProgress(ctx, a.job.ID); err != nil {
		return &model.InitError{Err: fmt.Errorf("marking job in progress: %w", err)}
	}
	a.state.Store(int32(StateInitialized))
	slog.DebugContext(ctx, "scan agent initialized", "workdir", workdir)
	return nil
}

// Scan runs analyzers over the working directory. System exceptions become
// report errors.
func (a *Agent) Scan(ctx context.Context) (processor.Result, error) {
	res, err := a.scanner.Scan(ctx, model.ScanConfig{
		Dir:       a.workdir,
		RuleSet:   a.rules,
		Threads:   a.cfg.Threads,
		Benchmark: a.cfg.Benchmark,
	})
	if err != nil {
		return res, fmt.Errorf("scanning: %w", err)
	}
	if len(res.Exceptions) > 0 {
		var errs model.Report
		for _, e := range res.Exceptions {
			errs.Errors = append(errs.Errors, e.String())
		}
		res.Reports = append(res.Reports, errs)
	}
	a.state.Store(int32(StateScanned))
	return res, nil
}

// Report persists the final result with its errors, also when there are no
// violations.
func (a *Agent) Report(ctx context.Context, report model.Report) error {
	for _, e := range report.Errors {
		slog.WarnContext(ctx, "scan error", "error", e)
	}
	if err := a.store.SaveFinalResult(ctx, a.job.ID, report.Violations, report.Errors); err != nil {
		return fmt.Errorf("saving result: %w", err)
	}
	a.state.Store(int32(StateReported))
	slog.InfoContext(ctx, "scan finished",
		"violations", len(report.Violations),
		"errors", len(report.Errors),
	)
	return nil
}

// HandleFailure logs err and marks the job failed. Jobs interrupted by a
// shutdown stay in progress so they are recovered on the next start.
func (a *Agent) HandleFailure(ctx context.Context, err error) {
	a.state.Store(int32(StateFailed))
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		a.interrupted = true
		slog.WarnContext(ctx, "scan interrupted", "error", err)
		return
	}
	slog.ErrorContext(ctx, "scan failed", "target", a.job.Target(), "error", err)
	if a.store == nil {
		return
	}
	if merr := a.store.MarkFailed(context.WithoutCancel(ctx), a.job.ID, err.Error()); merr != nil {
		slog.ErrorContext(ctx, "marking job failed", "error", merr)
	}
}

// Clean removes the working directory and family artifacts. Only the first
// call has an effect.
func (a *Agent) Clean(ctx context.Context) {
	a.cleanOnce.Do(func() {
		if a.workdir != "" {
			if err := os.RemoveAll(a.workdir); err != nil {
				slog.ErrorContext(ctx, "removing working directory", "workdir", a.workdir, "error", err)
			}
		}
		if a.family != nil {
			if err := a.family.Clean(a.job, a.interrupted); err != nil {
				slog.ErrorContext(ctx, "cleaning job artifacts", "error", err)
			}
		}
		a.state.Store(int32(StateCleaned))
	})
}
