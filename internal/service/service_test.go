package service_test

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Inspector/internal/agent"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/processor"
	"github.com/CZERTAINLY/Inspector/internal/rules"
	"github.com/CZERTAINLY/Inspector/internal/service"
	"github.com/CZERTAINLY/Inspector/internal/store"
	"github.com/stretchr/testify/require"
)

var ruleSets = rules.New(
	model.RuleSet{Name: "default", Rules: []model.Rule{{ID: "R1", Kind: model.RuleKindPattern, Severity: model.SeverityLow}}},
	model.RuleSet{Name: "empty"},
)

type registry struct {
	n int
}

func (r registry) Len() int { return r.n }

func (registry) Scan(_ context.Context, cfg model.ScanConfig) (processor.Result, error) {
	return processor.Result{Reports: []model.Report{{Violations: []model.Violation{
		{RuleID: cfg.RuleSet.Rules[0].ID, File: "main.go", Line: 1},
	}}}}, nil
}

// family stages nothing and counts staged jobs.
type family struct {
	name model.Family
	mx   sync.Mutex
	jobs []string
}

func (f *family) Name() model.Family { return f.name }

func (f *family) Stage(_ context.Context, job model.ScanJob, _ string) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.jobs = append(f.jobs, job.ID)
	return nil
}

// Clean removes the staged archive like the upload family does.
func (*family) Clean(job model.ScanJob, interrupted bool) error {
	if interrupted || job.ArchivePath == "" {
		return nil
	}
	if err := os.Remove(job.ArchivePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *family) staged() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]string(nil), f.jobs...)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func config(t *testing.T) service.Config {
	return service.Config{Workers: 1, Agent: agent.Config{WorkRoot: t.TempDir()}}
}

func status(t *testing.T, st *store.Store, id string) model.JobRecord {
	t.Helper()
	rec, err := st.Get(t.Context(), id)
	require.NoError(t, err)
	return rec
}

func TestSubmit_QuiesceAndPause(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	svc := service.NewUpload(&family{name: model.FamilyUpload}, st, ruleSets, registry{1}, config(t))
	ctx := t.Context()

	svc.Quiesce()
	require.True(t, svc.IsQuiesced())
	_, err := svc.Submit(ctx, model.ScanJob{Name: "a.zip", ArchivePath: "/a.zip"})
	require.ErrorIs(t, err, model.ErrQuiesced)
	require.ErrorIs(t, err, model.ErrRejected)

	// paused and quiesced at once
	svc.Pause()
	require.Equal(t, service.Status{Family: model.FamilyUpload, Paused: true, Quiesced: true}, svc.Status())

	svc.UnQuiesce()
	ticket, err := svc.Submit(ctx, model.ScanJob{Name: "a.zip", ArchivePath: "/a.zip"})
	require.NoError(t, err)
	require.False(t, ticket.Skipped)
	require.NotEmpty(t, ticket.JobID)

	require.Eventually(t, func() bool { return svc.Status().QueueDepth == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, model.StatusNotStarted, status(t, st, ticket.JobID).Status)

	// quiesce does not affect the queued job
	svc.Quiesce()
	svc.Resume()
	require.False(t, svc.IsPaused())
	require.NoError(t, svc.Shutdown(10*time.Second))

	rec := status(t, st, ticket.JobID)
	require.Equal(t, model.StatusDone, rec.Status)
	require.Equal(t, "default", rec.RuleSetName)
	require.Equal(t, model.FamilyUpload, rec.Family)
}

// gate is a registry whose scans block until released.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() gate {
	return gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (gate) Len() int { return 1 }

func (g gate) Scan(ctx context.Context, cfg model.ScanConfig) (processor.Result, error) {
	close(g.started)
	<-g.release
	return registry{}.Scan(ctx, cfg)
}

func TestQuiesce_RunningJobFinishes(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	reg := newGate()
	svc := service.NewUpload(&family{name: model.FamilyUpload}, st, ruleSets, reg, config(t))
	ctx := t.Context()

	ticket, err := svc.Submit(ctx, model.ScanJob{Name: "a.zip"})
	require.NoError(t, err)
	<-reg.started
	require.Equal(t, 1, svc.Status().ActiveCount)

	svc.Quiesce()
	_, err = svc.Submit(ctx, model.ScanJob{Name: "b.zip"})
	require.ErrorIs(t, err, model.ErrQuiesced)
	require.Equal(t, model.StatusInProgress, status(t, st, ticket.JobID).Status)

	close(reg.release)
	require.NoError(t, svc.Shutdown(10*time.Second))
	rec := status(t, st, ticket.JobID)
	require.Equal(t, model.StatusDone, rec.Status)
	require.Equal(t, "1 violations", rec.Message)
}

// slowStore blocks job creation until released.
type slowStore struct {
	*store.Store
	entered chan struct{}
	release chan struct{}
}

func (s slowStore) Create(ctx context.Context, job model.ScanJob) error {
	close(s.entered)
	<-s.release
	return s.Store.Create(ctx, job)
}

func TestQuiesce_WaitsForSubmission(t *testing.T) {
	t.Parallel()
	st := slowStore{Store: openStore(t), entered: make(chan struct{}), release: make(chan struct{})}
	svc := service.NewUpload(&family{name: model.FamilyUpload}, st, ruleSets, registry{1}, config(t))
	ctx := t.Context()

	type result struct {
		ticket model.Ticket
		err    error
	}
	submitted := make(chan result, 1)
	go func() {
		ticket, err := svc.Submit(ctx, model.ScanJob{Name: "a.zip"})
		submitted <- result{ticket, err}
	}()
	<-st.entered

	quiesced := make(chan struct{})
	go func() {
		svc.Quiesce()
		close(quiesced)
	}()
	require.Never(t, func() bool {
		select {
		case <-quiesced:
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)

	close(st.release)
	res := <-submitted
	require.NoError(t, res.err)
	<-quiesced
	require.True(t, svc.IsQuiesced())
	_, err := svc.Submit(ctx, model.ScanJob{Name: "b.zip"})
	require.ErrorIs(t, err, model.ErrQuiesced)

	require.NoError(t, svc.Shutdown(10*time.Second))
	require.Equal(t, model.StatusDone, status(t, st.Store, res.ticket.JobID).Status)
}

func TestSubmit_Skipped(t *testing.T) {
	t.Parallel()

	type given struct {
		ruleSet  string
		registry registry
	}
	type then struct {
		skipped bool
		err     error
	}
	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{"missing rule set", given{"nope", registry{1}}, then{skipped: true}},
		{"empty rule set", given{"empty", registry{1}}, then{skipped: true}},
		{"no analyzers", given{"default", registry{0}}, then{err: model.ErrNoAnalyzers}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			f := &family{name: model.FamilyImage}
			svc := service.NewImage(f, openStore(t), ruleSets, tt.given.registry, config(t))
			t.Cleanup(func() { _ = svc.Shutdown(time.Second) })
			ticket, err := svc.Submit(t.Context(), model.ScanJob{ImageRef: "alpine:3", RuleSetName: tt.given.ruleSet})
			if tt.then.err != nil {
				require.ErrorIs(t, err, tt.then.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.then.skipped, ticket.Skipped)
			require.Empty(t, f.staged())
		})
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	cfg := config(t)
	cfg.Capacity = 1
	svc := service.NewImage(&family{name: model.FamilyImage}, st, ruleSets, registry{1}, cfg)
	svc.Pause()

	_, err := svc.Submit(t.Context(), model.ScanJob{ImageRef: "a"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return svc.Status().QueueDepth == 1 }, time.Second, 10*time.Millisecond)
	_, err = svc.Submit(t.Context(), model.ScanJob{ImageRef: "b"})
	require.NoError(t, err)

	_, err = svc.Submit(t.Context(), model.ScanJob{ID: "rejected", ImageRef: "c"})
	require.ErrorIs(t, err, model.ErrQueueFull)
	rec := status(t, st, "rejected")
	require.Equal(t, model.StatusFailed, rec.Status)

	svc.Resume()
	require.NoError(t, svc.Shutdown(10*time.Second))
}

func TestRecoverFromDowntime_Upload(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := t.Context()
	dir := t.TempDir()

	archive := func(name string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		return path
	}
	jobs := []model.ScanJob{
		{ID: "queued", Family: model.FamilyUpload, Name: "q", Submitted: time.Now(), RuleSetName: "default", ArchivePath: archive("q.zip")},
		{ID: "running", Family: model.FamilyUpload, Name: "r", Submitted: time.Now(), RuleSetName: "default", ArchivePath: archive("r.zip")},
		{ID: "lost", Family: model.FamilyUpload, Name: "l", Submitted: time.Now(), RuleSetName: "default", ArchivePath: filepath.Join(dir, "missing.zip")},
		{ID: "gone-rules", Family: model.FamilyUpload, Name: "g", Submitted: time.Now(), RuleSetName: "deleted", ArchivePath: archive("g.zip")},
	}
	for _, j := range jobs {
		require.NoError(t, st.Create(ctx, j))
	}
	require.NoError(t, st.MarkInProgress(ctx, "running"))

	f := &family{name: model.FamilyUpload}
	svc := service.NewUpload(f, st, ruleSets, registry{1}, config(t))
	svc.Pause()
	require.NoError(t, svc.RecoverFromDowntime(ctx))
	// jobs of the first recovery are still queued, they are not scheduled twice
	require.NoError(t, svc.RecoverFromDowntime(ctx))
	require.Eventually(t, func() bool { return svc.Status().QueueDepth == 2 }, time.Second, 10*time.Millisecond)
	// the archive of a job failed by recovery is released, queued ones are kept
	require.NoFileExists(t, filepath.Join(dir, "g.zip"))
	require.FileExists(t, filepath.Join(dir, "q.zip"))

	svc.Resume()
	require.NoError(t, svc.Shutdown(10*time.Second))
	require.ElementsMatch(t, []string{"queued", "running"}, f.staged())

	require.Equal(t, model.StatusDone, status(t, st, "queued").Status)
	require.Equal(t, model.StatusDone, status(t, st, "running").Status)
	lost := status(t, st, "lost")
	require.Equal(t, model.StatusFailed, lost.Status)
	require.Contains(t, lost.Message, "could not be recovered")
	gone := status(t, st, "gone-rules")
	require.Equal(t, model.StatusFailed, gone.Status)
	require.Contains(t, gone.Message, "could not be recovered")
}

type source struct {
	prs map[string][]model.PullRequest
}

func (s source) OpenPullRequests(_ context.Context, repo string) ([]model.PullRequest, error) {
	return s.prs[repo], nil
}

func TestRecoverFromDowntime_PullRequest(t *testing.T) {
	t.Parallel()
	st := openStore(t)
	ctx := t.Context()
	long := time.Now().Add(-time.Hour)

	pr := func(number int, sha string) model.PullRequest {
		return model.PullRequest{
			Repository: "acme/api",
			Number:     number,
			Branch:     "feature",
			HeadSHA:    sha,
			CloneURL:   "https://example.com/acme/api.git",
			UpdatedAt:  long,
		}
	}

	// #1 was reviewed at its current head
	require.NoError(t, st.Create(ctx, pr(1, "aaa").Job("reviewed", "default", long)))
	require.NoError(t, st.SaveFinalResult(ctx, "reviewed", nil, nil))
	// #2 was being reviewed at an old head when the service stopped
	require.NoError(t, st.Create(ctx, pr(2, "old").Job("stale", "default", long)))
	require.NoError(t, st.MarkInProgress(ctx, "stale"))

	src := source{prs: map[string][]model.PullRequest{
		"acme/api": {pr(1, "aaa"), pr(2, "new"), pr(3, "ccc")},
	}}
	f := &family{name: model.FamilyPullRequest}
	svc := service.NewPullRequest(f, src, []string{"acme/api"}, st, ruleSets, registry{1}, config(t))
	svc.Pause()
	require.NoError(t, svc.RecoverFromDowntime(ctx))
	require.NoError(t, svc.RecoverFromDowntime(ctx))
	require.Eventually(t, func() bool { return svc.Status().QueueDepth == 2 }, time.Second, 10*time.Millisecond)

	stale := status(t, st, "stale")
	require.Equal(t, model.StatusFailed, stale.Status)
	require.Equal(t, "superseded during downtime", stale.Message)

	svc.Resume()
	require.NoError(t, svc.Shutdown(10*time.Second))
	require.Len(t, f.staged(), 2)

	for number, sha := range map[int]string{2: "new", 3: "ccc"} {
		last, err := st.LastReviewed(ctx, "acme/api", number)
		require.NoError(t, err)
		require.Equal(t, sha, last.HeadSHA)
	}
}

func TestStartPolling(t *testing.T) {
	t.Parallel()
	svc := service.NewUpload(&family{name: model.FamilyUpload}, openStore(t), ruleSets, registry{1}, config(t))
	t.Cleanup(func() { _ = svc.Shutdown(time.Second) })
	_, err := svc.StartPolling(t.Context(), "* * * * *")
	require.Error(t, err)

	prs := service.NewPullRequest(&family{name: model.FamilyPullRequest}, source{}, nil, openStore(t), ruleSets, registry{1}, config(t))
	t.Cleanup(func() { _ = prs.Shutdown(time.Second) })
	_, err = prs.StartPolling(t.Context(), "not a cron")
	require.Error(t, err)
	stop, err := prs.StartPolling(t.Context(), "*/5 * * * *")
	require.NoError(t, err)
	require.NoError(t, stop())
}
