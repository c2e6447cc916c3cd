// relay-bridge is the native messaging host: it reads framed JSON messages from
// the browser on stdin, forwards each to the overlay socket and answers every
// message with one framed reply on stdout.
//
// It always exits 0; the browser treats any other status as a crash of the host.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"local-relay/bridge"
	"local-relay/config"
	"local-relay/logging"
	"local-relay/protocol"
	"local-relay/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay-bridge: %v\n", err)
	}
	os.Exit(0)
}

func run() error {
	var configPath, overlaySocket, logLevel string
	var maxMessageBytes uint32

	flagSet := pflag.NewFlagSet("relay-bridge", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "TOML config file")
	flagSet.StringVar(&overlaySocket, "overlay-socket", "", "overlay socket path (default "+config.DefaultOverlaySocket+")")
	flagSet.Uint32Var(&maxMessageBytes, "max-message-bytes", 0, "largest accepted message (default 1 MiB)")
	flagSet.StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error")

	// Browsers append the extension origin (and on Windows a window handle) as
	// positional arguments; they are ignored.
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
	if flagSet.Changed("overlay-socket") {
		cfg.Bridge.OverlaySocket = overlaySocket
	}
	if flagSet.Changed("max-message-bytes") {
		cfg.Bridge.MaxMessageBytes = maxMessageBytes
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer := logging.Open(cfg.Log, "native-host")
	defer closer.Close()
	logger.Info().Int("pid", os.Getpid()).Str("overlaySocket", cfg.Bridge.OverlaySocket).Msg("Native host started")

	fwd := transport.NewForwarder(cfg.Bridge.OverlaySocket,
		transport.WithPolicy(cfg.Bridge.Retry),
		transport.WithAttemptTimeout(cfg.Bridge.AttemptTimeout),
		transport.WithLogger(logger),
	)
	b := bridge.New(os.Stdin, os.Stdout, fwd,
		bridge.WithLimits(protocol.Limits{MaxMessageBytes: cfg.Bridge.MaxMessageBytes}),
		bridge.WithLogger(logger),
	)

	if err := b.Run(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Bridge stopped")
	}
	logger.Info().Msg("Native host exiting")
	return nil
}
