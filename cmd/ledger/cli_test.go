package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/ledger/internal/scenarios"
	"github.com/mesh-intelligence/ledger/internal/store"
	"github.com/mesh-intelligence/ledger/pkg/types"
)

// env isolates one CLI invocation: its own config and data directories and
// no inherited LEDGER_ variables.
type env struct {
	configDir string
	dataDir   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "LEDGER_") {
			t.Setenv(strings.SplitN(kv, "=", 2)[0], "")
		}
	}
	dir := t.TempDir()
	return &env{
		configDir: filepath.Join(dir, "config"),
		dataDir:   filepath.Join(dir, "data"),
	}
}

// run executes the root command in-process and returns its stdout.
func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config-dir", e.configDir, "--data-dir", e.dataDir, "--log-level", "disabled"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "ledger v")
	assert.Contains(t, out, modulePath)
	assert.NoDirExists(t, e.configDir, "version does not touch the config directory")
}

func TestInit(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Ledger initialized successfully")
	assert.FileExists(t, filepath.Join(e.configDir, "config.yaml"))
	assert.FileExists(t, filepath.Join(e.dataDir, store.DatabaseFile))

	data, err := os.ReadFile(filepath.Join(e.configDir, "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "backend: sqlite")
	assert.Contains(t, string(data), "data_dir: "+e.dataDir)

	out, err = e.run(t, "--json", "init")
	require.NoError(t, err)
	var got initOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.False(t, got.ConfigWritten, "an existing config.yaml is kept")
	assert.Equal(t, types.BackendSQLite, got.Backend)
	assert.Equal(t, e.dataDir, got.DataDir)
}

func TestConfig_InvalidValues(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		e := newEnv(t)
		t.Setenv("LEDGER_BACKEND", "oracle")
		_, err := e.run(t, "init")
		assert.ErrorIs(t, err, types.ErrBackendUnknown)
		assert.Equal(t, exitUserError, exitCode(err))
	})

	t.Run("config file", func(t *testing.T) {
		e := newEnv(t)
		require.NoError(t, os.MkdirAll(e.configDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(e.configDir, "config.yaml"), []byte("backend: postgres\n"), 0o644))
		_, err := e.run(t, "init")
		assert.ErrorIs(t, err, types.ErrDSNRequired)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		e := newEnv(t)
		require.NoError(t, os.MkdirAll(e.configDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(e.configDir, "config.yaml"), []byte("backend: [sqlite\n"), 0o644))
		_, err := e.run(t, "init")
		assert.Error(t, err)
	})
}

func TestConfig_EnvFile(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.Unsetenv("LEDGER_LOG_FORMAT"))
	t.Cleanup(func() { os.Unsetenv("LEDGER_LOG_FORMAT") })

	require.NoError(t, os.MkdirAll(e.configDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.configDir, ".env"), []byte("LEDGER_LOG_FORMAT=xml\n"), 0o644))

	_, err := e.run(t, "init")
	assert.ErrorIs(t, err, types.ErrLogFormatUnknown)
}

func TestVerify(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "verify")
	require.NoError(t, err, out)
	for _, name := range scenarioNames() {
		assert.Contains(t, out, "PASS  "+name)
	}
	assert.NotContains(t, out, "FAIL")

	leftovers, err := filepath.Glob(filepath.Join(e.dataDir, "verify-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "scratch databases are removed")
}

func TestVerify_JSONWithMetrics(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "--json", "verify", "--metrics", "orphan-removal", "membership")
	require.NoError(t, err, out)

	var got verifyOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.Passed)
	require.Len(t, got.Results, 2)
	assert.Equal(t, "orphan-removal", got.Results[0].Name)
	assert.Contains(t, got.Metrics, "ledger_orphan_removals_total 1")
	assert.Contains(t, got.Metrics, "ledger_writes_total")
}

func TestVerify_UnknownScenario(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "verify", "nope")
	assert.ErrorIs(t, err, scenarios.ErrUnknownScenario)
	assert.Equal(t, exitUserError, exitCode(err))
}

func TestExportImport(t *testing.T) {
	e := newEnv(t)
	exportDir := filepath.Join(t.TempDir(), "export")

	out, err := e.run(t, "--json", "export", exportDir)
	require.NoError(t, err, out)
	var exported []tableCount
	require.NoError(t, json.Unmarshal([]byte(out), &exported))

	tables, err := scenarioTables()
	require.NoError(t, err)
	require.Len(t, exported, len(tables))
	rows := make(map[string]int)
	for _, c := range exported {
		assert.FileExists(t, c.File)
		rows[c.Table] = c.Rows
	}
	assert.Equal(t, 4, rows["lemma"])
	assert.Equal(t, 3, rows["relation"])
	assert.Equal(t, 0, rows["ddc735_review"], "the orphaned review is not exported")

	out, err = e.run(t, "import", exportDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "imported 4 rows")

	s, err := store.Open(context.Background(), types.Config{Backend: types.BackendSQLite, DataDir: e.dataDir})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Select(context.Background(), "lemma", []string{"lemma_name"}, types.Criteria{"lemma_name": "foo"}, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = e.run(t, "import", exportDir)
	assert.ErrorIs(t, err, types.ErrUniqueViolation, "importing twice collides on primary keys")
	assert.Equal(t, exitUserError, exitCode(err))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitSuccess},
		{"plain error", errors.New("usage"), exitUserError},
		{"user error", userError(errors.New("bad flag")), exitUserError},
		{"system error", sysError(errors.New("disk full")), exitSysError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}
