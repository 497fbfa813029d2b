// Package rules loads named rule sets from YAML files of a directory.
package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Inspector/internal/model"

	"gopkg.in/yaml.v3"
)

// Provider resolves rule sets by name. It is safe for concurrent use.
type Provider struct {
	dir         string
	defaultName string

	mx   sync.RWMutex
	sets map[string]model.RuleSet
}

// Load reads every *.yaml and *.yml file of dir. A file holds one rule set,
// its name defaults to the file name without extension.
func Load(dir, defaultName string) (*Provider, error) {
	p := &Provider{dir: dir, defaultName: defaultName}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// New returns a provider of the given sets, the first one is the default.
func New(sets ...model.RuleSet) *Provider {
	p := &Provider{sets: make(map[string]model.RuleSet, len(sets))}
	for i, rs := range sets {
		if i == 0 {
			p.defaultName = rs.Name
		}
		p.sets[rs.Name] = rs
	}
	return p
}

func (p *Provider) Reload() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("reading rules dir: %w", err)
	}
	sets := make(map[string]model.RuleSet)
	var errs []error
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		rs, err := readFile(filepath.Join(p.dir, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rs.Name == "" {
			rs.Name = strings.TrimSuffix(e.Name(), ext)
		}
		if _, ok := sets[rs.Name]; ok {
			errs = append(errs, fmt.Errorf("%s: duplicate rule set %q", e.Name(), rs.Name))
			continue
		}
		sets[rs.Name] = rs
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	p.mx.Lock()
	p.sets = sets
	p.mx.Unlock()
	return nil
}

func readFile(path string) (model.RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.RuleSet{}, err
	}
	defer func() {
		_ = f.Close()
	}()
	var rs model.RuleSet
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil {
		return model.RuleSet{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := Validate(rs); err != nil {
		return model.RuleSet{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return rs, nil
}

// Validate checks rule ids are present and unique and kinds are known.
func Validate(rs model.RuleSet) error {
	seen := make(map[string]struct{}, len(rs.Rules))
	var errs []error
	for i, r := range rs.Rules {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("rules[%d]: missing id", i))
			continue
		}
		if _, ok := seen[r.ID]; ok {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate id %s", i, r.ID))
		}
		seen[r.ID] = struct{}{}
		switch r.Kind {
		case model.RuleKindPattern, model.RuleKindSecret, model.RuleKindExternal, model.RuleKindCertificate:
		default:
			errs = append(errs, fmt.Errorf("rules[%d]: unknown kind %q", i, r.Kind))
		}
	}
	return errors.Join(errs...)
}

// Resolve returns a rule set by name, the default one for an empty name.
// It returns model.ErrRuleSetNotFound for unknown names, an existing set may
// still be empty.
func (p *Provider) Resolve(name string) (model.RuleSet, error) {
	if name == "" {
		name = p.defaultName
	}
	p.mx.RLock()
	defer p.mx.RUnlock()
	rs, ok := p.sets[name]
	if !ok {
		return model.RuleSet{}, fmt.Errorf("%q: %w", name, model.ErrRuleSetNotFound)
	}
	return rs, nil
}

func (p *Provider) Names() []string {
	p.mx.RLock()
	defer p.mx.RUnlock()
	ret := make([]string, 0, len(p.sets))
	for name := range p.sets {
		ret = append(ret, name)
	}
	slices.Sort(ret)
	return ret
}
