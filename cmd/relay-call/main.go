// relay-call sends one image to relay-server and prints a summary of the mask.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"local-relay/client"
	"local-relay/config"
	"local-relay/inference"
	"local-relay/logging"
	"local-relay/message"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay-call: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, socket, imagePath, bbox, requestID, maskOut, logLevel string

	flagSet := pflag.NewFlagSet("relay-call", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "TOML config file")
	flagSet.StringVar(&socket, "socket", "", "socket path (default "+config.DefaultInferenceSocket+")")
	flagSet.StringVar(&imagePath, "image", "", "PNG, JPEG or GIF file to segment (required)")
	flagSet.StringVar(&bbox, "bbox", "", "box prompt x1,y1,x2,y2; empty fields default to the image bounds")
	flagSet.StringVar(&requestID, "request-id", "", "requestId to send (default: generated)")
	flagSet.StringVar(&maskOut, "mask-out", "", "write the mask as a grayscale PNG")
	flagSet.StringVar(&logLevel, "log-level", "warn", "trace, debug, info, warn or error")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if imagePath == "" {
		return fmt.Errorf("--image is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("socket") {
		cfg.Client.Socket = socket
	}
	cfg.Log.Level = logLevel
	cfg.Log.Dir = ""
	logger, closer := logging.Open(cfg.Log, "relay-call")
	defer closer.Close()

	raw, err := os.ReadFile(imagePath)
	if err != nil {
		return err
	}
	req := &message.SegmentRequest{
		RequestID:   requestID,
		ImageBase64: base64.StdEncoding.EncodeToString(raw),
	}
	if req.BBox, err = parseBBox(bbox); err != nil {
		return err
	}

	c := client.New(client.Config{
		SocketPath:      cfg.Client.Socket,
		MaxMessageBytes: cfg.Client.MaxMessageBytes,
		AttemptTimeout:  cfg.Client.AttemptTimeout,
		ResponseTimeout: cfg.Client.ResponseTimeout,
	}, logger)

	got, err := c.Segment(context.Background(), req)
	if err != nil {
		return err
	}
	fmt.Printf("requestId=%s mask=%dx%d coverage=%.1f%% inferenceTimeMs=%.1f\n",
		got.RequestID, got.MaskWidth, got.MaskHeight, inference.Coverage(got.Mask), got.InferenceTimeMs)

	if maskOut != "" {
		return writeMask(maskOut, got)
	}
	return nil
}

func parseBBox(raw string) (*message.BBox, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("--bbox: want x1,y1,x2,y2, got %q", raw)
	}
	var coords [4]*float64
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("--bbox: %w", err)
		}
		coords[i] = &v
	}
	return &message.BBox{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}, nil
}

func writeMask(path string, got *client.Segmentation) error {
	img := image.NewGray(image.Rect(0, 0, got.MaskWidth, got.MaskHeight))
	copy(img.Pix, got.Mask)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
