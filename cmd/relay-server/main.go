// relay-server is the inference relay server: it accepts one framed segmentation
// request per connection on a Unix socket and answers with a framed mask.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"local-relay/config"
	"local-relay/inference"
	"local-relay/logging"
	"local-relay/middleware"
	"local-relay/server"
)

// startupError carries operator-facing remediation text.
type startupError struct {
	err  error
	hint string
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay-server: %v\n", err)
		var se *startupError
		if errors.As(err, &se) && se.hint != "" {
			fmt.Fprintf(os.Stderr, "  %s\n", se.hint)
		}
		os.Exit(1)
	}
}

func run() error {
	var configPath, socket, backend, checkpoint, logLevel string
	var modelCmd []string
	var workers int
	var maxPixels int64
	var computeTimeout time.Duration

	flagSet := pflag.NewFlagSet("relay-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "TOML config file")
	flagSet.StringVar(&socket, "socket", "", "socket path (default "+config.DefaultInferenceSocket+")")
	flagSet.StringVar(&backend, "backend", "", "segmentation backend: box or process")
	flagSet.StringSliceVar(&modelCmd, "model-cmd", nil, "model runner command and arguments, comma separated")
	flagSet.StringVar(&checkpoint, "checkpoint", "", "model checkpoint file")
	flagSet.Int64Var(&maxPixels, "max-image-pixels", 0, "largest accepted width*height (default 89478485)")
	flagSet.IntVar(&workers, "workers", 0, "connections handled concurrently (default 1, sequential)")
	flagSet.DurationVar(&computeTimeout, "compute-timeout", 0, "ceiling for one inference (default none)")
	flagSet.StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.ApplyEnv(&cfg.Log)
	if flagSet.Changed("socket") {
		cfg.Server.Socket = socket
	}
	if flagSet.Changed("backend") {
		cfg.Server.Backend = backend
	}
	if flagSet.Changed("model-cmd") {
		cfg.Server.ModelCommand = modelCmd
	}
	if flagSet.Changed("checkpoint") {
		cfg.Server.Checkpoint = checkpoint
	}
	if flagSet.Changed("max-image-pixels") {
		cfg.Server.MaxImagePixels = maxPixels
	}
	if flagSet.Changed("workers") {
		cfg.Server.Workers = workers
	}
	if flagSet.Changed("compute-timeout") {
		cfg.Server.ComputeTimeout = computeTimeout
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer := logging.Open(cfg.Log, "sam2-service")
	defer closer.Close()

	var seg inference.Segmenter = inference.BoxSegmenter{}
	if cfg.Server.Backend == config.BackendProcess {
		proc, err := inference.Open(inference.ProcessConfig{
			Command:         cfg.Server.ModelCommand,
			Checkpoint:      cfg.Server.Checkpoint,
			MaxMessageBytes: cfg.Server.MaxMessageBytes,
		}, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load model")
			var ie *inference.InitError
			if errors.As(err, &ie) {
				return &startupError{err: err, hint: ie.Remediation}
			}
			return err
		}
		defer proc.Close(cfg.Server.ShutdownGrace)
		seg = proc
	}
	logger.Info().Str("backend", cfg.Server.Backend).Msg("Model loaded")

	svr := server.NewServer(server.Config{
		SocketPath:      cfg.Server.Socket,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		Workers:         cfg.Server.Workers,
	}, inference.Handler(seg, logger, inference.WithMaxPixels(cfg.Server.MaxImagePixels)), logger)
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.Server.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if cfg.Server.ComputeTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Server.ComputeTimeout, logger))
	}

	if err := svr.Listen(); err != nil {
		logger.Error().Err(err).Msg("Failed to bind socket")
		return &startupError{err: err, hint: "check that the socket directory exists and is writable, and that no other relay-server uses " + cfg.Server.Socket}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := svr.Serve(ctx)
	logger.Info().Msg("Shutting down")
	if err := svr.Shutdown(cfg.Server.ShutdownGrace); err != nil {
		logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
	if serveErr != nil {
		logger.Error().Err(serveErr).Msg("Server error")
		return serveErr
	}
	return nil
}
