// Package config loads recording session files.
//
// A session file may be YAML (.yaml, .yml), TOML (.toml) or CUE (.cue). All
// three decode into the same Config and are checked against an embedded
// CUE schema. Command-line flags are applied on top of the loaded file,
// after which Validate checks that the result can drive a recording.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/rvdebug/internal/transport"
)

//go:embed schema.cue
var schemaCUE string

// DefaultKillCode is the exit code forced on a stuck or timed-out workload.
const DefaultKillCode = 555

// DefaultDatabase is where a recording is written when none is named.
const DefaultDatabase = "trace.db"

// Config is one recording session.
type Config struct {
	Simulator Simulator `yaml:"simulator" toml:"simulator" json:"simulator"`
	Workload  string    `yaml:"workload" toml:"workload" json:"workload"`
	Database  string    `yaml:"database" toml:"database" json:"database"`
	Oracle    Oracle    `yaml:"oracle" toml:"oracle" json:"oracle"`
	Timeout   Duration  `yaml:"timeout" toml:"timeout" json:"timeout"`
	KillCode  int       `yaml:"kill_code" toml:"kill_code" json:"kill_code"`
	TraceLog  string    `yaml:"trace_log" toml:"trace_log" json:"trace_log,omitempty"`
}

// Simulator describes how to launch the simulator.
type Simulator struct {
	Path           string            `yaml:"path" toml:"path" json:"path"`
	Params         []transport.Param `yaml:"params" toml:"params" json:"params,omitempty"`
	ReadySentinel  string            `yaml:"ready_sentinel" toml:"ready_sentinel" json:"ready_sentinel,omitempty"`
	ResponseMarker string            `yaml:"response_marker" toml:"response_marker" json:"response_marker,omitempty"`
}

// Oracle names an optional reference commit log.
type Oracle struct {
	Log  string `yaml:"log" toml:"log" json:"log,omitempty"`
	Hart int    `yaml:"hart" toml:"hart" json:"hart"`
}

// Duration is a time.Duration written as Go duration text ("90s", "5m").
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns a Config with every default applied.
func Default() Config {
	return Config{Database: DefaultDatabase, KillCode: DefaultKillCode}
}

func (c *Config) applyDefaults() {
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.KillCode == 0 {
		c.KillCode = DefaultKillCode
	}
}

// LaunchArgs returns the simulator's command-line arguments.
func (c Config) LaunchArgs() []string {
	return transport.LaunchArgs(c.Workload, c.Simulator.Params)
}

// TransportOptions returns the framing options for the simulator.
func (c Config) TransportOptions() transport.Options {
	return transport.Options{
		ReadySentinel:  c.Simulator.ReadySentinel,
		ResponseMarker: c.Simulator.ResponseMarker,
	}
}

// LoadError describes a session file that could not be loaded.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

// Error codes for LoadError.
const (
	ErrCodeNotFound = "E_NOT_FOUND"
	ErrCodeFormat   = "E_FORMAT"
	ErrCodeParse    = "E_PARSE"
	ErrCodeSchema   = "E_SCHEMA"
)

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load reads a session file and applies defaults. The file is checked
// against the schema, but fields that flags may still supply are not
// required yet.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &LoadError{Code: ErrCodeNotFound, Message: err.Error()}
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("%s: %v", path, err)}
		}
	case ".toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("%s: %v", path, err)}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("%s: unknown key %s", path, undecoded[0])}
		}
	case ".cue":
		if cfg, err = decodeCUE(path, data); err != nil {
			return Config{}, err
		}
	default:
		return Config{}, &LoadError{Code: ErrCodeFormat, Message: fmt.Sprintf("unsupported session file type %q", ext)}
	}

	if err := check(cfg, "#File"); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Validate checks that c is complete enough to drive a recording.
func (c Config) Validate() error {
	return check(c, "#Config")
}

func schema(ctx *cue.Context, def string) (cue.Value, error) {
	v := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile config schema: %w", err)
	}
	return v.LookupPath(cue.ParsePath(def)), nil
}

func check(cfg Config, def string) error {
	ctx := cuecontext.New()
	s, err := schema(ctx, def)
	if err != nil {
		return err
	}
	v := ctx.Encode(cfg)
	if err := v.Err(); err != nil {
		return &LoadError{Code: ErrCodeSchema, Message: err.Error()}
	}
	if err := s.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return schemaError(err)
	}
	return nil
}

func decodeCUE(path string, data []byte) (Config, error) {
	ctx := cuecontext.New()
	s, err := schema(ctx, "#File")
	if err != nil {
		return Config{}, err
	}
	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return Config{}, &LoadError{Code: ErrCodeParse, Message: err.Error(), Pos: firstPos(err)}
	}
	v = s.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, schemaError(err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return Config{}, &LoadError{Code: ErrCodeParse, Message: err.Error()}
	}
	return cfg, nil
}

func schemaError(err error) error {
	return &LoadError{Code: ErrCodeSchema, Message: cueerrors.Details(err, nil), Pos: firstPos(err)}
}

func firstPos(err error) token.Pos {
	for _, e := range cueerrors.Errors(err) {
		if p := e.Position(); p.IsValid() {
			return p
		}
	}
	return token.NoPos
}
