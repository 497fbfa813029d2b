package report

import (
	"io"
	"runtime/debug"
	"slices"
	"strconv"
	"time"

	"github.com/CZERTAINLY/Inspector/internal/model"
	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"
)

var version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		version = "unknown"
	} else {
		version = info.Main.Version
	}
}

// Builder collects files and findings of a scan into a CycloneDX BOM.
// Every scanned file with a finding becomes a file component, every
// violation a vulnerability affecting it.
type Builder struct {
	subject         string
	components      []cdx.Component
	vulnerabilities []cdx.Vulnerability
	properties      []cdx.Property
	files           map[string]struct{}
}

func NewBuilder(subject string) *Builder {
	return &Builder{
		subject: subject,
		// cyclone-dx JSON schema do not allow items to be null
		components:      []cdx.Component{},
		vulnerabilities: []cdx.Vulnerability{},
		properties:      []cdx.Property{},
		files:           make(map[string]struct{}),
	}
}

func (b *Builder) AppendViolations(violations ...model.Violation) *Builder {
	for _, v := range violations {
		ref := fileRef(v.File)
		if _, ok := b.files[v.File]; !ok {
			b.files[v.File] = struct{}{}
			b.components = append(b.components, cdx.Component{
				BOMRef: ref,
				Type:   cdx.ComponentTypeFile,
				Name:   v.File,
			})
		}

		vuln := cdx.Vulnerability{
			BOMRef:      "violation:" + strconv.Itoa(len(b.vulnerabilities)),
			ID:          v.RuleID,
			Description: v.Message,
			Ratings: &[]cdx.VulnerabilityRating{
				{Severity: severity(v.Severity)},
			},
			Affects: &[]cdx.Affects{
				{Ref: ref},
			},
			Properties: &[]cdx.Property{
				{Name: "inspector:line", Value: strconv.Itoa(v.Line)},
			},
		}
		if v.Reference != "" {
			vuln.Source = &cdx.Source{URL: v.Reference}
		}
		b.vulnerabilities = append(b.vulnerabilities, vuln)
	}
	return b
}

// AppendErrors keeps report errors as BOM level properties.
func (b *Builder) AppendErrors(errs ...string) *Builder {
	for _, e := range errs {
		b.properties = append(b.properties, cdx.Property{Name: "inspector:error", Value: e})
	}
	return b
}

// BOM returns a cdx.BOM based on a data inside the Builder
func (b *Builder) BOM() cdx.BOM {
	components := slices.Clone(b.components)
	slices.SortFunc(components, func(x, y cdx.Component) int {
		switch {
		case x.Name < y.Name:
			return -1
		case x.Name > y.Name:
			return 1
		}
		return 0
	})
	vulnerabilities := slices.Clone(b.vulnerabilities)
	properties := slices.Clone(b.properties)

	return cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    cdx.BOMFormat,
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: "urn:uuid:" + uuid.New().String(),
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Lifecycles: &[]cdx.Lifecycle{
				{Phase: cdx.LifecyclePhaseOperations},
			},
			// must not be nil, the encoder fails on empty ToolsChoice otherwise
			Component: &cdx.Component{
				Type:    cdx.ComponentTypeApplication,
				Name:    b.subject,
				Version: version,
				Manufacturer: &cdx.OrganizationalEntity{
					Name: "CZERTAINLY",
					URL:  &[]string{"https://www.czertainly.com"},
				},
			},
		},
		Components:      &components,
		Vulnerabilities: &vulnerabilities,
		Properties:      &properties,
	}
}

// AsJSON encode the BOM into JSON format
func (b *Builder) AsJSON(w io.Writer) error {
	bom := b.BOM()
	return cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(true).Encode(&bom)
}

// CycloneDX renders a job report as a BOM of a given subject.
func CycloneDX(subject string, r model.Report) cdx.BOM {
	return NewBuilder(subject).
		AppendViolations(r.Violations...).
		AppendErrors(r.Errors...).
		BOM()
}

func fileRef(path string) string {
	return "file:" + path
}

func severity(s model.Severity) cdx.Severity {
	switch s {
	case model.SeverityCritical:
		return cdx.SeverityCritical
	case model.SeverityHigh:
		return cdx.SeverityHigh
	case model.SeverityMedium:
		return cdx.SeverityMedium
	case model.SeverityLow:
		return cdx.SeverityLow
	case model.SeverityInfo:
		return cdx.SeverityInfo
	default:
		return cdx.SeverityUnknown
	}
}
