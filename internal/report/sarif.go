package report

import (
	"fmt"
	"io"

	"github.com/CZERTAINLY/Inspector/internal/model"
	"github.com/owenrumney/go-sarif/v2/sarif"
)

const InformationURI = "https://github.com/CZERTAINLY/Inspector"

// SARIF converts a job report into a single run SARIF 2.1.0 document.
// Report errors become tool execution notifications of the run invocation.
func SARIF(tool string, r model.Report) (*sarif.Report, error) {
	ret, err := sarif.New(sarif.Version210)
	if err != nil {
		return nil, fmt.Errorf("creating SARIF report: %w", err)
	}

	run := sarif.NewRunWithInformationURI(tool, InformationURI)
	for _, v := range r.Violations {
		level := Level(v.Severity)
		rule := run.AddRule(v.RuleID).
			WithDescription(v.Message).
			WithDefaultConfiguration(&sarif.ReportingConfiguration{Level: level})
		if v.Reference != "" {
			rule.WithHelpURI(v.Reference)
		}

		region := sarif.NewRegion()
		if v.Line > 0 {
			region.WithStartLine(v.Line)
		}
		location := sarif.NewLocation().WithPhysicalLocation(
			sarif.NewPhysicalLocation().
				WithArtifactLocation(sarif.NewArtifactLocation().WithUri(v.File)).
				WithRegion(region),
		)
		run.AddResult(sarif.NewRuleResult(rule.ID).
			WithMessage(sarif.NewTextMessage(v.Message)).
			WithLevel(level).
			WithLocations([]*sarif.Location{location}))
	}
	run.Invocations = []*sarif.Invocation{invocation(r.Errors)}
	ret.AddRun(run)
	return ret, nil
}

func invocation(errs []string) *sarif.Invocation {
	ok := true
	ret := &sarif.Invocation{ExecutionSuccessful: &ok}
	for _, e := range errs {
		level := "error"
		ret.ToolExecutionNotifications = append(ret.ToolExecutionNotifications, &sarif.Notification{
			Level:   &level,
			Message: sarif.NewTextMessage(e),
		})
	}
	return ret
}

// WriteSARIF writes the pretty printed SARIF document of a report.
func WriteSARIF(w io.Writer, tool string, r model.Report) error {
	s, err := SARIF(tool, r)
	if err != nil {
		return err
	}
	return s.PrettyWrite(w)
}

// Level maps a rule severity to a SARIF result level.
func Level(s model.Severity) string {
	switch s {
	case model.SeverityCritical, model.SeverityHigh:
		return "error"
	case model.SeverityMedium:
		return "warning"
	case model.SeverityLow:
		return "note"
	default:
		return "none"
	}
}
