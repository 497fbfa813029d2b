package model

import "slices"

// RuleKind routes a rule to the analyzer module able to evaluate it.
type RuleKind string

const (
	RuleKindPattern  RuleKind = "pattern"
	RuleKindSecret   RuleKind = "secret"
	RuleKindExternal RuleKind = "external"
	// RuleKindCertificate rules name checks of certificates and keys found
	// in PEM, DER, PKCS#7, PKCS#12 and JKS files.
	RuleKindCertificate RuleKind = "certificate"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Rule is a single rule definition. The engine does not interpret rules,
// only the Kind is used to dispatch them.
type Rule struct {
	ID        string   `yaml:"id" json:"id"`
	Kind      RuleKind `yaml:"kind" json:"kind"`
	Severity  Severity `yaml:"severity" json:"severity"`
	Message   string   `yaml:"message" json:"message"`
	Pattern   string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Reference string   `yaml:"reference,omitempty" json:"reference,omitempty"`
}

type RuleSet struct {
	Name  string `yaml:"name" json:"name"`
	Rules []Rule `yaml:"rules" json:"rules"`
}

func (rs RuleSet) Empty() bool {
	return len(rs.Rules) == 0
}

// Kinds returns distinct rule kinds in order of the first appearance.
func (rs RuleSet) Kinds() []RuleKind {
	var kinds []RuleKind
	for _, r := range rs.Rules {
		if !slices.Contains(kinds, r.Kind) {
			kinds = append(kinds, r.Kind)
		}
	}
	return kinds
}

// OfKind returns a rule set containing only rules of a given kind.
func (rs RuleSet) OfKind(kind RuleKind) RuleSet {
	ret := RuleSet{Name: rs.Name}
	for _, r := range rs.Rules {
		if r.Kind == kind {
			ret.Rules = append(ret.Rules, r)
		}
	}
	return ret
}

func (rs RuleSet) Rule(id string) (Rule, bool) {
	for _, r := range rs.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}
