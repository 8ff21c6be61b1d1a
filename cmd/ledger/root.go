package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/ledger/internal/logging"
	"github.com/mesh-intelligence/ledger/internal/paths"
	"github.com/mesh-intelligence/ledger/pkg/ledger"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func userError(err error) error { return &exitError{code: exitUserError, err: err} }
func sysError(err error) error  { return &exitError{code: exitSysError, err: err} }

func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUserError
}

// app holds global flag values and the configuration resolved before any
// subcommand runs.
type app struct {
	configDir string
	dataDir   string
	jsonMode  bool
	logLevel  string

	cfg  types.Config
	log  zerolog.Logger
	logs io.Closer
}

// newRootCmd creates the top-level "ledger" command with global flags and
// all subcommands registered.
func newRootCmd() *cobra.Command {
	a := &app{log: logging.Nop()}

	root := &cobra.Command{
		Use:           "ledger",
		Short:         "A unit-of-work persistence manager",
		Long:          "Ledger maps Go structs onto relational tables and tracks them in a unit of work.\nThe CLI prepares storage and runs the conformance scenarios of the engine.",
		Version:       ledger.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}

	root.PersistentFlags().StringVar(&a.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory (default: platform data dir)")
	root.PersistentFlags().BoolVar(&a.jsonMode, "json", false, "output as JSON")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (overrides config)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd(a))
	root.AddCommand(newVerifyCmd(a))
	root.AddCommand(newExportCmd(a))
	root.AddCommand(newImportCmd(a))
	return root
}

// setup resolves the directories, loads .env files and config.yaml, and
// builds the logger.
func (a *app) setup() error {
	if err := loadEnvFiles(envFileName); err != nil {
		return sysError(err)
	}
	configDir, err := paths.ResolveConfigDir(a.configDir)
	if err != nil {
		return sysError(err)
	}
	a.configDir = configDir
	if err := loadEnvFiles(filepath.Join(configDir, envFileName)); err != nil {
		return sysError(err)
	}

	v, err := loadConfig(configDir)
	if err != nil {
		return userError(err)
	}
	cfg, err := decodeConfig(v)
	if err != nil {
		return userError(err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	dataDir, err := paths.ResolveDataDir(a.dataDir, cfg.DataDir)
	if err != nil {
		return sysError(err)
	}
	a.dataDir = dataDir
	cfg.DataDir = dataDir

	if err := cfg.Validate(); err != nil {
		return userError(err)
	}
	a.cfg = cfg.WithDefaults()

	log, logs, err := logging.New(a.cfg.Log)
	if err != nil {
		return userError(err)
	}
	a.log = logging.WithComponent(log, "cli")
	a.logs = logs
	return nil
}

// teardown releases the log output opened by setup.
func (a *app) teardown() error {
	if a.logs == nil {
		return nil
	}
	err := a.logs.Close()
	a.logs = nil
	a.log = logging.Nop()
	return err
}

// loadEnvFiles loads each existing file into the process environment.
// Variables already set are kept.
func loadEnvFiles(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return err
		}
	}
	return nil
}
