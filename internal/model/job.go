package model

import (
	"log/slog"
	"strconv"
	"time"
)

// Family identifies the kind of scan request, each family has its own
// scanning service, worker pool and recovery rules.
type Family string

const (
	FamilyUpload      Family = "upload"
	FamilyPullRequest Family = "pullrequest"
	FamilyImage       Family = "image"
)

func (f Family) Valid() bool {
	switch f {
	case FamilyUpload, FamilyPullRequest, FamilyImage:
		return true
	}
	return false
}

type JobStatus string

const (
	StatusNotStarted JobStatus = "NOT_STARTED"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusDone       JobStatus = "DONE"
	StatusFailed     JobStatus = "FAILED"
)

func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ScanJob is a single request to analyze one target under one rule set.
// It is created by the API layer and must not be changed once submitted.
type ScanJob struct {
	ID          string    `json:"id"`
	Family      Family    `json:"family"`
	Name        string    `json:"name"`
	Submitted   time.Time `json:"submitted"`
	RuleSetName string    `json:"ruleset,omitempty"`

	// upload
	ArchivePath string `json:"archive_path,omitempty"`

	// pull request
	Repository string `json:"repository,omitempty"` // owner/name
	Number     int    `json:"number,omitempty"`
	Branch     string `json:"branch,omitempty"`
	HeadSHA    string `json:"head_sha,omitempty"`
	CloneURL   string `json:"clone_url,omitempty"`

	// image
	ImageRef string `json:"image_ref,omitempty"`
}

// Target returns a human readable identification of what is scanned.
func (j ScanJob) Target() string {
	switch j.Family {
	case FamilyUpload:
		return j.ArchivePath
	case FamilyPullRequest:
		return j.Repository + "#" + strconv.Itoa(j.Number)
	case FamilyImage:
		return j.ImageRef
	}
	return ""
}

func (j ScanJob) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("job_id", j.ID),
		slog.String("job_name", j.Name),
		slog.String("family", string(j.Family)),
	}
}

// Ticket is returned to a submitter, it allows to poll the job status later.
// Skipped is true when no rules were configured for the target and nothing
// has been scheduled.
type Ticket struct {
	JobID   string `json:"job_id"`
	Skipped bool   `json:"skipped"`
}

// JobRecord is the persisted state of a ScanJob.
type JobRecord struct {
	ScanJob
	Status   JobStatus `json:"status"`
	Message  string    `json:"message,omitempty"`
	Started  time.Time `json:"started,omitzero"`
	Finished time.Time `json:"finished,omitzero"`
}
