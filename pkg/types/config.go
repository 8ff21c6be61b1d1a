package types

import (
	"errors"
	"strings"
)

// Config holds backend selection and parameters for opening a Store, plus
// the ambient logging and metrics settings of an entity manager.
type Config struct {
	Backend string    `json:"backend" yaml:"backend" mapstructure:"backend"`
	DataDir string    `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	DSN     string    `json:"dsn,omitempty" yaml:"dsn,omitempty" mapstructure:"dsn"`
	Log     LogConfig `json:"log" yaml:"log" mapstructure:"log"`
	Metrics bool      `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
}

// LogConfig selects the level, format, and destination of engine logs.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"`
	Output string `json:"output" yaml:"output" mapstructure:"output"`
}

// Supported backend names.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Log formats.
const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// Config validation errors.
var (
	ErrBackendEmpty     = errors.New("backend must not be empty")
	ErrBackendUnknown   = errors.New("unknown backend")
	ErrDSNRequired      = errors.New("dsn is required for the postgres backend")
	ErrLogLevelUnknown  = errors.New("unknown log level")
	ErrLogFormatUnknown = errors.New("unknown log format")
)

// knownBackends lists the backends that Validate accepts.
var knownBackends = map[string]bool{
	BackendSQLite:   true,
	BackendPostgres: true,
}

var knownLogLevels = map[string]bool{
	"":         true,
	"trace":    true,
	"debug":    true,
	"info":     true,
	"warn":     true,
	"error":    true,
	"disabled": true,
}

var knownLogFormats = map[string]bool{
	"":               true,
	LogFormatConsole: true,
	LogFormatJSON:    true,
}

// Validate checks that the Config is well-formed. It returns a sentinel error
// from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	if c.Backend == BackendPostgres && c.DSN == "" {
		return ErrDSNRequired
	}
	if !knownLogLevels[strings.ToLower(c.Log.Level)] {
		return ErrLogLevelUnknown
	}
	if !knownLogFormats[strings.ToLower(c.Log.Format)] {
		return ErrLogFormatUnknown
	}
	return nil
}

// WithDefaults returns a copy of c with empty log settings filled in.
func (c Config) WithDefaults() Config {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = LogFormatConsole
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}
	return c
}
