package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l, closer, err := New(types.LogConfig{Level: tt.level})
			require.NoError(t, err)
			assert.NoError(t, closer.Close())
			assert.Equal(t, tt.want, l.GetLevel())
		})
	}
}

func TestNew_JSONFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	l, closer, err := New(types.LogConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	cl := WithComponent(l, "uow")
	cl.Debug().Str(FieldEntity, "user").Msg("flushed")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "uow", rec[FieldComponent])
	assert.Equal(t, "user", rec[FieldEntity])
	assert.Equal(t, "flushed", rec["message"])
	assert.Equal(t, "debug", rec["level"])
}

func TestNew_BadOutput(t *testing.T) {
	_, _, err := New(types.LogConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}

func TestNew_CloserReleasesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	l, closer, err := New(types.LogConfig{Format: "json", Output: path})
	require.NoError(t, err)
	l.Info().Msg("before close")

	f, ok := closer.(*os.File)
	require.True(t, ok, "file output returns the file as closer")
	require.NoError(t, closer.Close())
	assert.ErrorIs(t, f.Close(), os.ErrClosed)
}

func TestNew_StandardStreamsCloserIsNoop(t *testing.T) {
	for _, out := range []string{"", "stderr", "stdout"} {
		_, closer, err := New(types.LogConfig{Output: out})
		require.NoError(t, err)
		assert.NoError(t, closer.Close())
		assert.NoError(t, closer.Close(), "closing twice is harmless for %q", out)
	}
}
