// Package service accepts scan jobs of one job family, schedules them on the
// family's pauseable pool and recovers jobs interrupted by a restart.
//
// Pause and quiesce are independent. A paused service accepts jobs but does
// not start them, a quiesced service rejects new jobs and lets the queued and
// running ones finish.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/Inspector/internal/agent"
	"github.com/CZERTAINLY/Inspector/internal/log"
	"github.com/CZERTAINLY/Inspector/internal/metrics"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/pool"

	"github.com/google/uuid"
)

// Store is the persistence of jobs, *store.Store implements it.
type Store interface {
	agent.Persistence
	Create(ctx context.Context, job model.ScanJob) error
	FindIncomplete(ctx context.Context, family model.Family, statuses ...model.JobStatus) ([]model.JobRecord, error)
	LastReviewed(ctx context.Context, repository string, number int) (model.JobRecord, error)
}

// RuleSets resolves rule sets by name, *rules.Provider implements it.
type RuleSets interface {
	Resolve(name string) (model.RuleSet, error)
}

// Registry runs analyzers, *analyzer.Registry implements it.
type Registry interface {
	agent.Scanner
	Len() int
}

type Config struct {
	Workers  int
	Capacity int
	Agent    agent.Config
}

// Status is a snapshot of the service state.
type Status struct {
	Family      model.Family `json:"family"`
	Paused      bool         `json:"paused"`
	Quiesced    bool         `json:"quiesced"`
	QueueDepth  int          `json:"queue_depth"`
	ActiveCount int          `json:"active_count"`
}

type Service struct {
	family   agent.Family
	store    Store
	rules    RuleSets
	registry Registry
	cfg      Config
	pool     *pool.Pool

	// qmx is held for reading by Submit from the quiesce check until the job
	// is in the pool, Quiesce takes it for writing.
	qmx      sync.RWMutex
	quiesced bool

	// recovery and requery are specific to a job family
	recovery func(ctx context.Context) error
	requery  func(ctx context.Context) error

	mx       sync.Mutex
	inflight map[string]model.ScanJob

	now   func() time.Time
	newID func() string
}

func newService(family agent.Family, st Store, rs RuleSets, reg Registry, cfg Config) *Service {
	return &Service{
		family:   family,
		store:    st,
		rules:    rs,
		registry: reg,
		cfg:      cfg,
		pool:     pool.New(string(family.Name()), cfg.Workers, cfg.Capacity),
		inflight: make(map[string]model.ScanJob),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (s *Service) Family() model.Family {
	return s.family.Name()
}

// Submit schedules a scan of job. A job without a rule set or with an empty
// one is skipped, the returned ticket says so. Errors wrapping
// model.ErrRejected mean the caller may retry later.
func (s *Service) Submit(ctx context.Context, job model.ScanJob) (model.Ticket, error) {
	s.qmx.RLock()
	defer s.qmx.RUnlock()
	if s.quiesced {
		return model.Ticket{}, model.ErrQuiesced
	}

	rules, err := s.rules.Resolve(job.RuleSetName)
	switch {
	case errors.Is(err, model.ErrRuleSetNotFound):
		return s.skip(ctx, job, err.Error()), nil
	case err != nil:
		return model.Ticket{}, fmt.Errorf("resolving rule set: %w", err)
	case rules.Empty():
		return s.skip(ctx, job, "rule set "+rules.Name+" is empty"), nil
	}
	if s.registry == nil || s.registry.Len() == 0 {
		return model.Ticket{}, model.ErrNoAnalyzers
	}

	if job.ID == "" {
		job.ID = s.newID()
	}
	if job.Submitted.IsZero() {
		job.Submitted = s.now()
	}
	job.Family = s.family.Name()
	job.RuleSetName = rules.Name

	if err := s.store.Create(ctx, job); err != nil {
		return model.Ticket{}, fmt.Errorf("persisting job: %w", err)
	}
	if err := s.enqueue(job, rules); err != nil {
		if merr := s.store.MarkFailed(ctx, job.ID, err.Error()); merr != nil {
			slog.ErrorContext(ctx, "marking rejected job failed", "job_id", job.ID, "error", merr)
		}
		return model.Ticket{}, err
	}
	slog.InfoContext(ctx, "job submitted", "job_id", job.ID, "target", job.Target())
	return model.Ticket{JobID: job.ID}, nil
}

func (s *Service) skip(ctx context.Context, job model.ScanJob, reason string) model.Ticket {
	metrics.Skipped.WithLabelValues(string(s.family.Name())).Inc()
	slog.InfoContext(ctx, "job skipped", "target", job.Target(), "reason", reason)
	return model.Ticket{JobID: job.ID, Skipped: true}
}

// enqueue hands the job to the pool. The job is tracked as in flight until
// its agent finishes.
func (s *Service) enqueue(job model.ScanJob, rules model.RuleSet) error {
	a := agent.New(job, rules, s.family, s.store, s.registry, s.cfg.Agent)
	s.mx.Lock()
	s.inflight[job.ID] = job
	s.mx.Unlock()

	err := s.pool.Submit(func(ctx context.Context) {
		defer s.done(job.ID)
		a.Run(ctx)
	})
	if err != nil {
		s.done(job.ID)
	}
	return err
}

func (s *Service) done(id string) {
	s.mx.Lock()
	delete(s.inflight, id)
	s.mx.Unlock()
}

func (s *Service) isInflight(id string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// resubmit schedules a persisted job again.
func (s *Service) resubmit(ctx context.Context, rec model.JobRecord) error {
	if s.isInflight(rec.ID) {
		return nil
	}
	rules, err := s.rules.Resolve(rec.RuleSetName)
	if err == nil && rules.Empty() {
		err = fmt.Errorf("rule set %s is empty", rules.Name)
	}
	if err != nil {
		if cerr := s.family.Clean(rec.ScanJob, false); cerr != nil {
			slog.ErrorContext(ctx, "cleaning unrecoverable job", "job_id", rec.ID, "error", cerr)
		}
		return s.store.MarkFailed(ctx, rec.ID, "could not be recovered: "+err.Error())
	}
	if err := s.enqueue(rec.ScanJob, rules); err != nil {
		return fmt.Errorf("resubmitting %s: %w", rec.ID, err)
	}
	slog.InfoContext(ctx, "job recovered", "job_id", rec.ID, "target", rec.Target(), "status", rec.Status)
	return nil
}

// RecoverFromDowntime reschedules jobs left incomplete by a previous run.
// It is meant to be called once at startup, calling it again does not
// schedule jobs already in flight.
func (s *Service) RecoverFromDowntime(ctx context.Context) error {
	ctx = log.ContextAttrs(ctx, slog.String("family", string(s.family.Name())))
	if s.recovery == nil {
		return nil
	}
	if err := s.recovery(ctx); err != nil {
		return fmt.Errorf("recovering %s jobs: %w", s.family.Name(), err)
	}
	return nil
}

func (s *Service) Pause() {
	s.pool.Pause()
}

func (s *Service) Resume() {
	s.pool.Resume()
}

func (s *Service) IsPaused() bool {
	return s.pool.IsPaused()
}

// Quiesce rejects new jobs. It waits for submissions already past the
// quiesce check, so no job is accepted once it returns.
func (s *Service) Quiesce() {
	s.setQuiesced(true)
}

func (s *Service) UnQuiesce() {
	s.setQuiesced(false)
}

func (s *Service) setQuiesced(v bool) {
	s.qmx.Lock()
	s.quiesced = v
	s.qmx.Unlock()
}

func (s *Service) IsQuiesced() bool {
	s.qmx.RLock()
	defer s.qmx.RUnlock()
	return s.quiesced
}

func (s *Service) Status() Status {
	return Status{
		Family:      s.family.Name(),
		Paused:      s.pool.IsPaused(),
		Quiesced:    s.IsQuiesced(),
		QueueDepth:  s.pool.QueueDepth(),
		ActiveCount: s.pool.ActiveCount(),
	}
}

// Shutdown quiesces the service and shuts the pool down.
func (s *Service) Shutdown(timeout time.Duration) error {
	s.Quiesce()
	return s.pool.Shutdown(timeout)
}
