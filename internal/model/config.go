package model

import (
	"io"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version  int       `json:"version"` // fixed 0 for now
	Service  Service   `json:"service"`
	Scan     Scan      `json:"scan"`
	Rules    Rules     `json:"rules"`
	Families Families  `json:"families"`
	GitHub   *GitHub   `json:"github,omitempty"`
	External *External `json:"external,omitempty"`
}

type Service struct {
	Listen          string `json:"listen"`
	Verbose         bool   `json:"verbose"`
	DataDir         string `json:"data_dir"`
	Database        string `json:"database"` // relative to DataDir unless absolute
	ShutdownTimeout string `json:"shutdown_timeout"`
}

// ShutdownAfter returns the parsed shutdown timeout, the value is validated
// by the schema.
func (s Service) ShutdownAfter() time.Duration {
	d, err := time.ParseDuration(s.ShutdownTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

type Scan struct {
	Threads     int   `json:"threads"`
	Benchmark   bool  `json:"benchmark"`
	MaxFileSize int64 `json:"max_file_size"`
}

type Rules struct {
	Dir     string `json:"dir"`
	Default string `json:"default"`
}

// FamilyConfig sizes the outer worker pool of one job family.
// Capacity 0 means an unbounded queue.
type FamilyConfig struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	Capacity int  `json:"capacity"`
}

type Families struct {
	Upload      FamilyConfig `json:"upload"`
	PullRequest FamilyConfig `json:"pullrequest"`
	Image       FamilyConfig `json:"image"`
}

func (f Families) Get(family Family) FamilyConfig {
	switch family {
	case FamilyUpload:
		return f.Upload
	case FamilyPullRequest:
		return f.PullRequest
	case FamilyImage:
		return f.Image
	}
	return FamilyConfig{}
}

type GitHub struct {
	TokenEnv     string   `json:"token_env"`
	SecretEnv    string   `json:"secret_env,omitempty"` // webhook secret, signatures are not checked when unset
	BaseURL      string   `json:"base_url,omitempty"`
	Repositories []string `json:"repositories"`
	Schedule     string   `json:"schedule,omitempty"` // cron expression for periodic requery
}

// External configures the external linter analyzer. Args may contain
// {rules} and {file} placeholders.
type External struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Timeout string   `json:"timeout"`
}

func (e External) TimeoutAfter() time.Duration {
	d, err := time.ParseDuration(e.Timeout)
	if err != nil {
		return time.Minute
	}
	return d
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// Missing values are filled by schema defaults.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultConfig returns a configuration consisting of schema defaults only.
func DefaultConfig() Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(err)
	}
	return cfg
}
