// Package config loads relay settings: built-in defaults overlaid by an optional
// TOML file, then by command-line flags in each binary.
//
//	[log]
//	dir = "/var/log/wcc"
//	level = "debug"
//
//	[bridge]
//	overlay_socket = "/tmp/wcc-overlay.sock"
//	max_message_bytes = 1048576
//	attempts = 3
//	base_delay = "100ms"
//	attempt_timeout = "2s"
//
//	[server]
//	socket = "/tmp/wcc-sam2.sock"
//	backend = "process"
//	model_command = ["python3", "sam2_runner.py"]
//	checkpoint = "~/models/sam2_hiera_small.pt"
//	workers = 1
//	max_image_pixels = 89478485
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"local-relay/inference"
	"local-relay/logging"
	"local-relay/protocol"
	"local-relay/server"
	"local-relay/transport"
)

const (
	DefaultOverlaySocket   = "/tmp/wcc-overlay.sock"
	DefaultInferenceSocket = "/tmp/wcc-sam2.sock"
)

// Backends for the inference server.
const (
	BackendBox     = "box"
	BackendProcess = "process"
)

type Config struct {
	Log    logging.Config
	Bridge Bridge
	Server Server
	Client Client
}

// Bridge configures the stdio bridge and its forwarder to the overlay.
type Bridge struct {
	OverlaySocket   string
	MaxMessageBytes uint32
	Retry           transport.Policy
	AttemptTimeout  time.Duration
}

// Server configures the inference relay server.
type Server struct {
	Socket          string
	MaxMessageBytes uint32
	MaxImagePixels  int64
	Workers         int
	Backend         string
	ModelCommand    []string
	Checkpoint      string
	// ComputeTimeout and RateLimit are off when zero.
	ComputeTimeout time.Duration
	RateLimit      float64
	RateBurst      int
	ShutdownGrace  time.Duration
}

// Client configures callers of the inference server.
type Client struct {
	Socket          string
	MaxMessageBytes uint32
	AttemptTimeout  time.Duration
	ResponseTimeout time.Duration
}

// Default returns the settings the relay runs with when nothing is configured.
func Default() Config {
	return Config{
		Log: logging.DefaultConfig(),
		Bridge: Bridge{
			OverlaySocket:   DefaultOverlaySocket,
			MaxMessageBytes: protocol.DefaultMaxMessageBytes,
			Retry:           transport.DefaultPolicy(),
			AttemptTimeout:  transport.DefaultAttemptTimeout,
		},
		Server: Server{
			Socket:          DefaultInferenceSocket,
			MaxMessageBytes: server.DefaultMaxMessageBytes,
			MaxImagePixels:  inference.DefaultMaxPixels,
			Workers:         1,
			Backend:         BackendBox,
			RateBurst:       1,
			ShutdownGrace:   5 * time.Second,
		},
		Client: Client{
			Socket:          DefaultInferenceSocket,
			MaxMessageBytes: server.DefaultMaxMessageBytes,
			AttemptTimeout:  transport.DefaultAttemptTimeout,
		},
	}
}

// relay config.toml key mapping.
type fileConfig struct {
	Log struct {
		Dir    string `toml:"dir"`
		Level  string `toml:"level"`
		Stderr bool   `toml:"stderr"`
	} `toml:"log"`
	Bridge struct {
		OverlaySocket   string  `toml:"overlay_socket"`
		MaxMessageBytes int64   `toml:"max_message_bytes"`
		Attempts        int     `toml:"attempts"`
		BaseDelay       string  `toml:"base_delay"`
		Multiplier      float64 `toml:"multiplier"`
		MaxDelay        string  `toml:"max_delay"`
		AttemptTimeout  string  `toml:"attempt_timeout"`
	} `toml:"bridge"`
	Server struct {
		Socket          string   `toml:"socket"`
		MaxMessageBytes int64    `toml:"max_message_bytes"`
		MaxImagePixels  int64    `toml:"max_image_pixels"`
		Workers         int      `toml:"workers"`
		Backend         string   `toml:"backend"`
		ModelCommand    []string `toml:"model_command"`
		Checkpoint      string   `toml:"checkpoint"`
		ComputeTimeout  string   `toml:"compute_timeout"`
		RateLimit       float64  `toml:"rate_limit"`
		RateBurst       int      `toml:"rate_burst"`
		ShutdownGrace   string   `toml:"shutdown_grace"`
	} `toml:"server"`
	Client struct {
		Socket          string `toml:"socket"`
		MaxMessageBytes int64  `toml:"max_message_bytes"`
		AttemptTimeout  string `toml:"attempt_timeout"`
		ResponseTimeout string `toml:"response_timeout"`
	} `toml:"client"`
}

// Load overlays the TOML file at path onto Default. Only keys present in the
// file change anything. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load relay config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load relay config: unknown key %q", undecoded[0].String())
	}

	o := overlay{meta: meta}

	if meta.IsDefined("log", "dir") {
		cfg.Log.Dir = expandHome(strings.TrimSpace(raw.Log.Dir))
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "stderr") {
		cfg.Log.Stderr = raw.Log.Stderr
	}

	if meta.IsDefined("bridge", "overlay_socket") {
		cfg.Bridge.OverlaySocket = expandHome(strings.TrimSpace(raw.Bridge.OverlaySocket))
	}
	o.size(&cfg.Bridge.MaxMessageBytes, raw.Bridge.MaxMessageBytes, "bridge", "max_message_bytes")
	if meta.IsDefined("bridge", "attempts") {
		cfg.Bridge.Retry.MaxAttempts = raw.Bridge.Attempts
	}
	o.duration(&cfg.Bridge.Retry.BaseDelay, raw.Bridge.BaseDelay, "bridge", "base_delay")
	if meta.IsDefined("bridge", "multiplier") {
		cfg.Bridge.Retry.Multiplier = raw.Bridge.Multiplier
	}
	o.duration(&cfg.Bridge.Retry.MaxDelay, raw.Bridge.MaxDelay, "bridge", "max_delay")
	o.duration(&cfg.Bridge.AttemptTimeout, raw.Bridge.AttemptTimeout, "bridge", "attempt_timeout")

	if meta.IsDefined("server", "socket") {
		cfg.Server.Socket = expandHome(strings.TrimSpace(raw.Server.Socket))
	}
	o.size(&cfg.Server.MaxMessageBytes, raw.Server.MaxMessageBytes, "server", "max_message_bytes")
	if meta.IsDefined("server", "max_image_pixels") {
		cfg.Server.MaxImagePixels = raw.Server.MaxImagePixels
	}
	if meta.IsDefined("server", "workers") {
		cfg.Server.Workers = raw.Server.Workers
	}
	if meta.IsDefined("server", "backend") {
		cfg.Server.Backend = strings.TrimSpace(raw.Server.Backend)
	}
	if meta.IsDefined("server", "model_command") {
		cfg.Server.ModelCommand = raw.Server.ModelCommand
	}
	if meta.IsDefined("server", "checkpoint") {
		cfg.Server.Checkpoint = expandHome(strings.TrimSpace(raw.Server.Checkpoint))
	}
	o.duration(&cfg.Server.ComputeTimeout, raw.Server.ComputeTimeout, "server", "compute_timeout")
	if meta.IsDefined("server", "rate_limit") {
		cfg.Server.RateLimit = raw.Server.RateLimit
	}
	if meta.IsDefined("server", "rate_burst") {
		cfg.Server.RateBurst = raw.Server.RateBurst
	}
	o.duration(&cfg.Server.ShutdownGrace, raw.Server.ShutdownGrace, "server", "shutdown_grace")

	if meta.IsDefined("client", "socket") {
		cfg.Client.Socket = expandHome(strings.TrimSpace(raw.Client.Socket))
	}
	o.size(&cfg.Client.MaxMessageBytes, raw.Client.MaxMessageBytes, "client", "max_message_bytes")
	o.duration(&cfg.Client.AttemptTimeout, raw.Client.AttemptTimeout, "client", "attempt_timeout")
	o.duration(&cfg.Client.ResponseTimeout, raw.Client.ResponseTimeout, "client", "response_timeout")

	if o.err != nil {
		return Config{}, fmt.Errorf("load relay config: %w", o.err)
	}
	return cfg, nil
}

// overlay keeps the first conversion error so Load reads as a flat list of keys.
type overlay struct {
	meta toml.MetaData
	err  error
}

func (o *overlay) duration(dst *time.Duration, raw string, key ...string) {
	if o.err != nil || !o.meta.IsDefined(key...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		o.err = fmt.Errorf("%s: %w", strings.Join(key, "."), err)
		return
	}
	*dst = d
}

func (o *overlay) size(dst *uint32, raw int64, key ...string) {
	if o.err != nil || !o.meta.IsDefined(key...) {
		return
	}
	if raw <= 0 || raw > int64(^uint32(0)) {
		o.err = fmt.Errorf("%s: %d out of range", strings.Join(key, "."), raw)
		return
	}
	*dst = uint32(raw)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate reports every setting the binaries cannot run with.
func (c Config) Validate() error {
	var errs []error
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if c.Bridge.OverlaySocket == "" {
		errs = append(errs, errors.New("bridge.overlay_socket: required"))
	}
	if c.Bridge.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("bridge.attempts: must be at least 1, got %d", c.Bridge.Retry.MaxAttempts))
	}
	if c.Bridge.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("bridge.multiplier: must be at least 1, got %g", c.Bridge.Retry.Multiplier))
	}
	if c.Bridge.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("bridge.attempt_timeout: must be positive"))
	}
	if c.Server.Socket == "" {
		errs = append(errs, errors.New("server.socket: required"))
	}
	if c.Server.MaxImagePixels < 1 {
		errs = append(errs, fmt.Errorf("server.max_image_pixels: must be positive, got %d", c.Server.MaxImagePixels))
	}
	if c.Server.Workers < 1 {
		errs = append(errs, fmt.Errorf("server.workers: must be at least 1, got %d", c.Server.Workers))
	}
	switch c.Server.Backend {
	case BackendBox:
	case BackendProcess:
		if len(c.Server.ModelCommand) == 0 {
			errs = append(errs, errors.New("server.model_command: required for the process backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.backend: unknown backend %q", c.Server.Backend))
	}
	if c.Server.RateLimit < 0 || (c.Server.RateLimit > 0 && c.Server.RateBurst < 1) {
		errs = append(errs, errors.New("server.rate_limit: needs a positive rate and rate_burst"))
	}
	if c.Client.Socket == "" {
		errs = append(errs, errors.New("client.socket: required"))
	}
	return errors.Join(errs...)
}
