// relay-sink stands in for the overlay: it accepts the messages relay-bridge
// forwards and logs them. It never replies.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"local-relay/codec"
	"local-relay/config"
	"local-relay/correlation"
	"local-relay/logging"
	"local-relay/message"
	"local-relay/middleware"
	"local-relay/protocol"
	"local-relay/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay-sink: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, socket, logLevel string

	flagSet := pflag.NewFlagSet("relay-sink", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "TOML config file")
	flagSet.StringVar(&socket, "socket", "", "socket path (default: bridge.overlay_socket)")
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
		cfg.Bridge.OverlaySocket = socket
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer := logging.Open(cfg.Log, "overlay-sink")
	defer closer.Close()

	svr := server.NewServer(server.Config{
		SocketPath:      cfg.Bridge.OverlaySocket,
		MaxMessageBytes: protocol.DefaultMaxMessageBytes,
	}, sink(logger), logger)
	if err := svr.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = svr.Serve(ctx)
	svr.Shutdown(time.Second)
	return err
}

// sink logs each overlay message and replies with nothing.
func sink(logger zerolog.Logger) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Request) *message.Response {
		log := correlation.Logger(ctx, logger)

		var msg message.OverlayMessage
		if err := codec.GetCodec(codec.CodecTypeJSON).Decode(req.Payload, &msg); err != nil {
			log.Error().Err(err).Str("preview", codec.Preview(req.Payload, codec.PreviewBytes)).Msg("Failed to decode message")
			return nil
		}
		if err := message.OverlaySchema.Validate(req.Payload); err != nil {
			log.Warn().Err(err).Msg("Unexpected message shape")
		}
		log.Info().Str("type", msg.Type).Str("popupId", msg.PopupID).Int("length", len(req.Payload)).Msg("Overlay message")
		return nil
	}
}
