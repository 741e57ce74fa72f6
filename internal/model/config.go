package model

import (
	"fmt"
	"io"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
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
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version     int     `json:"version" yaml:"version"` // fixed 0 for now
	ResultsDir  string  `json:"results_dir" yaml:"results_dir"`
	DiagramName string  `json:"diagram_name" yaml:"diagram_name"`
	State       State   `json:"state" yaml:"state"`
	Watch       Watch   `json:"watch" yaml:"watch"`
	Assets      Assets  `json:"assets" yaml:"assets"`
	Service     Service `json:"service" yaml:"service"`
}

// State selects where the coverage state is persisted: backend is "json" or
// "sqlite", an empty path means state.json or state.db in the working directory.
type State struct {
	Backend string `json:"backend" yaml:"backend"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Watch tunes the correlation loop.
type Watch struct {
	Poll     string `json:"poll" yaml:"poll"`         // e.g. 500ms
	Reimport string `json:"reimport" yaml:"reimport"` // e.g. 60s
	Notify   bool   `json:"notify" yaml:"notify"`     // re-import on results directory changes
	Workers  int    `json:"workers" yaml:"workers"`   // parallel report parsers
}

func (w Watch) PollInterval() (time.Duration, error) {
	d, err := time.ParseDuration(w.Poll)
	if err != nil {
		return 0, fmt.Errorf("parsing watch.poll: %w", err)
	}
	return d, nil
}

func (w Watch) ReimportInterval() (time.Duration, error) {
	d, err := time.ParseDuration(w.Reimport)
	if err != nil {
		return 0, fmt.Errorf("parsing watch.reimport: %w", err)
	}
	return d, nil
}

type Assets struct {
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
}

// StatePath returns the configured state location or the backend default.
func (c Config) StatePath() string {
	if c.State.Path != "" {
		return c.State.Path
	}
	if c.State.Backend == BackendSQLite {
		return "state.db"
	}
	return "state.json"
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if out.Version != 0 {
		return Config{}, fmt.Errorf("config version %d is not supported, expected 0", out.Version)
	}

	return out, nil
}

// DefaultConfig returns the configuration all defaults of the schema resolve to.
func DefaultConfig() Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(err)
	}
	return cfg
}
