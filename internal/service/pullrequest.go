package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/Inspector/internal/agent"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/store"

	gocron "github.com/go-co-op/gocron/v2"
)

// PullRequestSource lists open pull requests of a repository,
// *github.Client implements it.
type PullRequestSource interface {
	OpenPullRequests(ctx context.Context, repo string) ([]model.PullRequest, error)
}

// NewPullRequest returns a service for pull requests of repositories.
// Recovery does not replay stale jobs, it fails them and asks the source for
// pull requests not reviewed since their last update.
func NewPullRequest(family agent.Family, source PullRequestSource, repositories []string, st Store, rs RuleSets, reg Registry, cfg Config) *Service {
	s := newService(family, st, rs, reg, cfg)
	s.recovery = func(ctx context.Context) error {
		return s.recoverPullRequests(ctx, source, repositories)
	}
	s.requery = func(ctx context.Context) error {
		return s.requeryPullRequests(ctx, source, repositories)
	}
	return s
}

const superseded = "superseded during downtime"

func (s *Service) recoverPullRequests(ctx context.Context, source PullRequestSource, repositories []string) error {
	recs, err := s.store.FindIncomplete(ctx, s.family.Name())
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range recs {
		if s.isInflight(rec.ID) {
			continue
		}
		if err := s.store.MarkFailed(ctx, rec.ID, superseded); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.requeryPullRequests(ctx, source, repositories); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// requeryPullRequests submits jobs for open pull requests whose head was
// not reviewed yet and is not being reviewed now.
func (s *Service) requeryPullRequests(ctx context.Context, source PullRequestSource, repositories []string) error {
	if source == nil {
		return nil
	}
	var errs []error
	for _, repo := range repositories {
		prs, err := source.OpenPullRequests(ctx, repo)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, pr := range prs {
			if s.pending(pr) {
				continue
			}
			reviewed, err := s.reviewed(ctx, pr)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if reviewed {
				continue
			}
			if _, err := s.Submit(ctx, pr.Job("", "", s.now())); err != nil {
				errs = append(errs, fmt.Errorf("%s#%d: %w", pr.Repository, pr.Number, err))
			}
		}
	}
	return errors.Join(errs...)
}

// reviewed is true when the head was already reviewed or nothing changed
// since the last review.
func (s *Service) reviewed(ctx context.Context, pr model.PullRequest) (bool, error) {
	last, err := s.store.LastReviewed(ctx, pr.Repository, pr.Number)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return last.HeadSHA == pr.HeadSHA || last.Finished.After(pr.UpdatedAt), nil
}

func (s *Service) pending(pr model.PullRequest) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, job := range s.inflight {
		if job.Repository == pr.Repository && job.Number == pr.Number && job.HeadSHA == pr.HeadSHA {
			return true
		}
	}
	return false
}

// StartPolling runs the pull request requery on a cron schedule until the
// returned function is called.
func (s *Service) StartPolling(ctx context.Context, schedule string) (func() error, error) {
	if s.requery == nil {
		return nil, fmt.Errorf("%s service does not support polling", s.family.Name())
	}
	if _, err := model.ParseSchedule(schedule); err != nil {
		return nil, fmt.Errorf("parsing schedule: %w", err)
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.CronJob(schedule, false),
		gocron.NewTask(func() {
			if s.IsQuiesced() {
				return
			}
			if err := s.requery(ctx); err != nil {
				slog.ErrorContext(ctx, "pull request requery failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	sched.Start()
	slog.DebugContext(ctx, "pull request polling started", "cron", schedule)
	return sched.Shutdown, nil
}
