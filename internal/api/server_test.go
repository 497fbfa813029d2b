package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/CZERTAINLY/Inspector/internal/api"
	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/CZERTAINLY/Inspector/internal/service"
	"github.com/CZERTAINLY/Inspector/internal/store"

	"github.com/owenrumney/go-sarif/v2/sarif"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	family model.Family
	err    error
	skip   bool

	mx        sync.Mutex
	submitted []model.ScanJob
	paused    bool
	quiesced  bool
}

func (s *fakeService) Family() model.Family { return s.family }

func (s *fakeService) Submit(_ context.Context, job model.ScanJob) (model.Ticket, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.err != nil {
		return model.Ticket{}, s.err
	}
	s.submitted = append(s.submitted, job)
	return model.Ticket{JobID: fmt.Sprintf("job-%d", len(s.submitted)), Skipped: s.skip}, nil
}

func (s *fakeService) jobs() []model.ScanJob {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]model.ScanJob(nil), s.submitted...)
}

func (s *fakeService) Pause()     { s.mx.Lock(); s.paused = true; s.mx.Unlock() }
func (s *fakeService) Resume()    { s.mx.Lock(); s.paused = false; s.mx.Unlock() }
func (s *fakeService) Quiesce()   { s.mx.Lock(); s.quiesced = true; s.mx.Unlock() }
func (s *fakeService) UnQuiesce() { s.mx.Lock(); s.quiesced = false; s.mx.Unlock() }

func (s *fakeService) Status() service.Status {
	s.mx.Lock()
	defer s.mx.Unlock()
	return service.Status{Family: s.family, Paused: s.paused, Quiesced: s.quiesced}
}

type fakeJobs map[string]model.JobRecord

func (j fakeJobs) Get(_ context.Context, id string) (model.JobRecord, error) {
	rec, ok := j[id]
	if !ok {
		return model.JobRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (j fakeJobs) Violations(_ context.Context, id string) ([]model.Violation, error) {
	if _, ok := j[id]; !ok {
		return nil, store.ErrNotFound
	}
	if id != "done" {
		return nil, nil
	}
	return []model.Violation{
		{RuleID: "WEAK-HASH", File: "db.go", Line: 5, Severity: model.SeverityHigh, Message: "md5 is weak"},
	}, nil
}

func (j fakeJobs) Errors(_ context.Context, id string) ([]string, error) {
	if _, ok := j[id]; !ok {
		return nil, store.ErrNotFound
	}
	if id != "done" {
		return nil, nil
	}
	return []string{"task big.bin: permission denied"}, nil
}

func newServer(t *testing.T, services ...*fakeService) *httptest.Server {
	t.Helper()
	jobs := fakeJobs{
		"done":    {ScanJob: model.ScanJob{ID: "done", Name: "app.zip"}, Status: model.StatusDone},
		"running": {ScanJob: model.ScanJob{ID: "running"}, Status: model.StatusInProgress},
	}
	svcs := make([]api.Service, 0, len(services))
	for _, s := range services {
		svcs = append(svcs, s)
	}
	srv := httptest.NewServer(api.NewServer(api.Config{UploadDir: t.TempDir()}, jobs, svcs...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, contentType string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, bytes.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestToggle(t *testing.T) {
	t.Parallel()
	image := &fakeService{family: model.FamilyImage}
	srv := newServer(t, image)

	for range 2 {
		resp, body := do(t, http.MethodPut, srv.URL+"/v1/image/paused", "application/json", []byte(`{"value": true}`))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var status service.Status
		require.NoError(t, json.Unmarshal(body, &status))
		require.True(t, status.Paused)
		require.False(t, status.Quiesced)
	}

	resp, _ := do(t, http.MethodPut, srv.URL+"/v1/image/quiesced", "application/json", []byte(`{"value": true}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodPut, srv.URL+"/v1/image/paused", "application/json", []byte(`{"value": false}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/image/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status service.Status
	require.NoError(t, json.Unmarshal(body, &status))
	require.Equal(t, service.Status{Family: model.FamilyImage, Quiesced: true}, status)

	resp, _ = do(t, http.MethodPut, srv.URL+"/v1/image/paused", "application/json", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/upload/status", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestImageJob(t *testing.T) {
	t.Parallel()

	type given struct {
		service *fakeService
		body    string
	}
	type then struct {
		status int
		ticket model.Ticket
	}
	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{
			scenario: "accepted",
			given:    given{service: &fakeService{family: model.FamilyImage}, body: `{"image": "alpine:3", "ruleset": "default"}`},
			then:     then{status: http.StatusAccepted, ticket: model.Ticket{JobID: "job-1"}},
		},
		{
			scenario: "skipped",
			given:    given{service: &fakeService{family: model.FamilyImage, skip: true}, body: `{"image": "alpine:3"}`},
			then:     then{status: http.StatusOK, ticket: model.Ticket{JobID: "job-1", Skipped: true}},
		},
		{
			scenario: "quiesced",
			given:    given{service: &fakeService{family: model.FamilyImage, err: model.ErrQuiesced}, body: `{"image": "alpine:3"}`},
			then:     then{status: http.StatusServiceUnavailable},
		},
		{
			scenario: "missing image",
			given:    given{service: &fakeService{family: model.FamilyImage}, body: `{}`},
			then:     then{status: http.StatusBadRequest},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			srv := newServer(t, tc.given.service)
			resp, body := do(t, http.MethodPost, srv.URL+"/v1/image/jobs", "application/json", []byte(tc.given.body))
			require.Equal(t, tc.then.status, resp.StatusCode)
			if tc.then.ticket.JobID == "" {
				return
			}
			var ticket model.Ticket
			require.NoError(t, json.Unmarshal(body, &ticket))
			require.Equal(t, tc.then.ticket, ticket)
			require.Equal(t, "alpine:3", tc.given.service.jobs()[0].ImageRef)
		})
	}
}

func multipartBody(t *testing.T, fields map[string]string) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("archive", "app.zip")
	require.NoError(t, err)
	_, err = fw.Write([]byte("PK\x03\x04"))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return mw.FormDataContentType(), buf.Bytes()
}

func TestUploadJob(t *testing.T) {
	t.Parallel()
	upload := &fakeService{family: model.FamilyUpload}
	srv := newServer(t, upload)

	ct, body := multipartBody(t, map[string]string{"ruleset": "strict"})
	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/upload/jobs", ct, body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	submitted := upload.jobs()
	require.Len(t, submitted, 1)
	job := submitted[0]
	require.Equal(t, "app.zip", job.Name)
	require.Equal(t, "strict", job.RuleSetName)
	require.True(t, strings.HasSuffix(job.ArchivePath, "-app.zip"))
	staged, err := os.ReadFile(job.ArchivePath)
	require.NoError(t, err)
	require.Equal(t, "PK\x03\x04", string(staged))

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/upload/jobs", "application/json", []byte(`{}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadJob_RejectedRemovesArchive(t *testing.T) {
	t.Parallel()
	upload := &fakeService{family: model.FamilyUpload, err: model.ErrQueueFull}
	dir := t.TempDir()
	srv := httptest.NewServer(api.NewServer(api.Config{UploadDir: dir}, fakeJobs{}, upload).Handler())
	t.Cleanup(srv.Close)

	ct, body := multipartBody(t, nil)
	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/upload/jobs", ct, body)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPullRequestJob(t *testing.T) {
	t.Parallel()
	pr := &fakeService{family: model.FamilyPullRequest}
	srv := newServer(t, pr)

	event := `{"action": "synchronize", "number": 3, "repository": {"full_name": "acme/app"},
	  "pull_request": {"number": 3, "head": {"ref": "feature", "sha": "f00"}}}`
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/v1/pullrequest/jobs?ruleset=strict", strings.NewReader(event))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "pull_request")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	submitted := pr.jobs()
	require.Len(t, submitted, 1)
	job := submitted[0]
	require.Equal(t, "acme/app", job.Repository)
	require.Equal(t, 3, job.Number)
	require.Equal(t, "f00", job.HeadSHA)
	require.Equal(t, "strict", job.RuleSetName)
	require.Equal(t, "acme/app#3", job.Name)

	req, err = http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/v1/pullrequest/jobs", strings.NewReader(`{"zen": "hi"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "ping")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestGetJob(t *testing.T) {
	t.Parallel()
	srv := newServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/jobs/done", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got api.JobResponse
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, model.StatusDone, got.Job.Status)
	require.Len(t, got.Violations, 1)
	require.Equal(t, []string{"task big.bin: permission denied"}, got.Errors)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/jobs/running", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"violations":[]`)
	require.Contains(t, string(body), `"errors":[]`)

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/jobs/missing", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetSARIF(t *testing.T) {
	t.Parallel()
	srv := newServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/jobs/done/sarif", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/sarif+json", resp.Header.Get("Content-Type"))
	var got sarif.Report
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Runs, 1)
	require.Len(t, got.Runs[0].Results, 1)
	require.Len(t, got.Runs[0].Invocations, 1)
	notes := got.Runs[0].Invocations[0].ToolExecutionNotifications
	require.Len(t, notes, 1)
	require.Equal(t, "task big.bin: permission denied", *notes[0].Message.Text)

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/jobs/running/sarif", "", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}
