package model

import (
	"strconv"
	"time"
)

// PullRequest is an open pull request reported by a source system.
type PullRequest struct {
	Repository string    `json:"repository"`
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	Branch     string    `json:"branch"`
	HeadSHA    string    `json:"head_sha"`
	CloneURL   string    `json:"clone_url"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Job returns a scan job reviewing the pull request head.
func (p PullRequest) Job(id, ruleSet string, submitted time.Time) ScanJob {
	return ScanJob{
		ID:          id,
		Family:      FamilyPullRequest,
		Name:        p.Repository + "#" + strconv.Itoa(p.Number),
		Submitted:   submitted,
		RuleSetName: ruleSet,
		Repository:  p.Repository,
		Number:      p.Number,
		Branch:      p.Branch,
		HeadSHA:     p.HeadSHA,
		CloneURL:    p.CloneURL,
	}
}
