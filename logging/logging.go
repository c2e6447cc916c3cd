// Package logging sets up the JSON-lines loggers used by every relay endpoint.
//
// Each endpoint appends to its own file under the log directory and mirrors every
// line to stderr. Nothing is ever written to stdout: the stdio bridge uses stdout
// for frames.
//
//	{"level":"info","requestId":"3f2a9c1e","length":42,"ts":"2026-01-02T03:04:05.123Z","msg":"Reading message"}
package logging

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel  = "RELAY_LOG_LEVEL"
	EnvLogDir    = "RELAY_LOG_DIR"
	EnvLogStderr = "RELAY_LOG_STDERR"
)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
	zerolog.ErrorFieldName = "error"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
}

// Config selects where and how much an endpoint logs.
type Config struct {
	Dir    string
	Level  string
	Stderr bool
}

// DefaultConfig logs at info level to DefaultDir and stderr.
func DefaultConfig() Config {
	return Config{
		Dir:    DefaultDir(),
		Level:  "info",
		Stderr: true,
	}
}

// DefaultDir is ~/Library/Logs/WCCOverlay on macOS and the XDG state directory
// elsewhere.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "wcc-relay", "logs")
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Logs", "WCCOverlay")
	}
	if state := os.Getenv("XDG_STATE_HOME"); state != "" {
		return filepath.Join(state, "wcc-relay")
	}
	return filepath.Join(home, ".local", "state", "wcc-relay")
}

// ApplyEnv overrides cfg from RELAY_LOG_* variables.
func ApplyEnv(cfg *Config) {
	if raw := strings.TrimSpace(os.Getenv(EnvLogLevel)); raw != "" {
		if _, ok := ParseLevel(raw); ok {
			cfg.Level = raw
		}
	}
	if dir := strings.TrimSpace(os.Getenv(EnvLogDir)); dir != "" {
		cfg.Dir = dir
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogStderr))); err == nil {
		cfg.Stderr = v
	}
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "", "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

// New builds a logger writing JSON lines to w.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Discard is the logger used by tests that do not inspect output.
func Discard() zerolog.Logger {
	return zerolog.Nop()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open creates the logger for one endpoint, appending to <Dir>/<name>.log.
// A log file that cannot be opened is not fatal: the endpoint keeps logging to
// stderr and the failure is reported there.
func Open(cfg Config, name string) (zerolog.Logger, io.Closer) {
	level, ok := ParseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if cfg.Stderr {
		writers = append(writers, os.Stderr)
	}

	var closer io.Closer = nopCloser{}
	var fileErr error
	if cfg.Dir != "" {
		f, err := openAppend(filepath.Join(cfg.Dir, name+".log"))
		if err != nil {
			fileErr = err
		} else {
			writers = append(writers, f)
			closer = f
		}
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	logger := New(zerolog.MultiLevelWriter(writers...), level).With().Str("endpoint", name).Logger()
	if fileErr != nil {
		logger.Warn().Err(fileErr).Str("dir", cfg.Dir).Msg("Log file error")
	}
	return logger, closer
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
