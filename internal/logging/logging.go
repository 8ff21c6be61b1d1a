// Package logging builds the zerolog loggers used by the entity manager, the
// store, and the CLI.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Standard field keys.
const (
	FieldComponent = "component"
	FieldEntity    = "entity"
	FieldID        = "id"
	FieldTable     = "table"
	FieldDuration  = "duration_ms"
)

// New returns a logger configured from cfg. Unknown levels fall back to
// info; an output other than stdout or stderr is opened as a file in append
// mode. The returned Closer releases that file and must be closed by the
// caller once the logger is no longer used; for the standard streams it does
// nothing.
func New(cfg types.LogConfig) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	out, closer, err := outputWriter(cfg.Output)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	var zl zerolog.Logger
	if strings.ToLower(cfg.Format) == types.LogFormatJSON {
		zl = zerolog.New(out)
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"})
	}
	return zl.Level(level).With().Timestamp().Logger(), closer, nil
}

// WithComponent tags l with a component name.
func WithComponent(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str(FieldComponent, name).Logger()
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func outputWriter(output string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(output) {
	case "", "stderr":
		return os.Stderr, nopCloser{}, nil
	case "stdout":
		return os.Stdout, nopCloser{}, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	}
}
