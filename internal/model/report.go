package model

import (
	"fmt"
	"strconv"
)

type Violation struct {
	RuleID    string   `json:"rule_id"`
	File      string   `json:"file"`
	Line      int      `json:"line"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	Reference string   `json:"reference,omitempty"`
}

func (v Violation) String() string {
	return v.File + ":" + strconv.Itoa(v.Line) + ": [" + v.RuleID + "] " + v.Message
}

// Report holds violations and errors of a single file or of a whole job.
// Reports form a monoid under Join, order of violations is not significant.
type Report struct {
	Violations []Violation `json:"violations"`
	Errors     []string    `json:"errors"`
}

// Join returns a new report with violations and errors of both reports.
// Neither a nor b is modified.
func Join(a, b Report) Report {
	ret := Report{
		Violations: make([]Violation, 0, len(a.Violations)+len(b.Violations)),
		Errors:     make([]string, 0, len(a.Errors)+len(b.Errors)),
	}
	ret.Violations = append(append(ret.Violations, a.Violations...), b.Violations...)
	ret.Errors = append(append(ret.Errors, a.Errors...), b.Errors...)
	return ret
}

func JoinAll(reports ...Report) Report {
	var ret Report
	for _, r := range reports {
		ret = Join(ret, r)
	}
	return ret
}

func (r Report) Empty() bool {
	return len(r.Violations) == 0 && len(r.Errors) == 0
}

// Stage says where a SystemException happened.
type Stage string

const (
	StageSetup Stage = "setup"
	StageWalk  Stage = "walk"
	StageTask  Stage = "task"
)

// SystemException is an engine level failure (I/O, crashed task), it is
// never a finding of a rule.
type SystemException struct {
	Stage   Stage  `json:"stage"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func NewSystemException(stage Stage, path string, err error) SystemException {
	return SystemException{Stage: stage, Path: path, Message: err.Error()}
}

func (e SystemException) String() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Stage, e.Path, e.Message)
}
