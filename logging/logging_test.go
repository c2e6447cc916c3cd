package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
	}
	for in, want := range cases {
		got, ok := ParseLevel(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseLevel("loud")
	assert.False(t, ok)
}

func TestNewWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, zerolog.InfoLevel)
	logger.Info().Str("requestId", "abc123").Int("length", 42).Msg("Reading message")
	logger.Debug().Msg("hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Reading message", entry["msg"])
	assert.Equal(t, "abc123", entry["requestId"])
	assert.Equal(t, float64(42), entry["length"])
	assert.Contains(t, entry, "ts")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestOpenAppendsToEndpointFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	cfg := Config{Dir: dir, Level: "info"}

	for i := 0; i < 2; i++ {
		logger, closer := Open(cfg, "native-host")
		logger.Info().Int("run", i).Msg("Native host started")
		require.NoError(t, closer.Close())
	}

	f, err := os.Open(filepath.Join(dir, "native-host.log"))
	require.NoError(t, err)
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		assert.Equal(t, "native-host", entry["endpoint"])
		assert.Equal(t, float64(lines), entry["run"])
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogDir, "/var/tmp/relay")
	t.Setenv(EnvLogStderr, "false")

	cfg := DefaultConfig()
	ApplyEnv(&cfg)
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, "/var/tmp/relay", cfg.Dir)
	assert.False(t, cfg.Stderr)
}

func TestApplyEnvIgnoresUnknownLevel(t *testing.T) {
	t.Setenv(EnvLogLevel, "chatty")
	cfg := DefaultConfig()
	ApplyEnv(&cfg)
	assert.Equal(t, "info", cfg.Level)
}
