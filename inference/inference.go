// Package inference is the compute step behind the inference relay server.
//
// A request carries a base64 image and an optional box prompt. The handler decodes
// the image, resolves the box, asks a Segmenter for a mask and answers with the
// mask as base64 bytes (one byte per pixel, 0 or 255, row-major).
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/rs/zerolog"

	"local-relay/codec"
	"local-relay/correlation"
	"local-relay/message"
	"local-relay/middleware"
)

// Segmenter is the model. It returns a w*h mask for img restricted to box.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image, box Box) ([]byte, error)
}

// Box is a prompt rectangle in pixel coordinates, [X1,Y1] inclusive to [X2,Y2] exclusive.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// FullBox covers the whole image.
func FullBox(bounds image.Rectangle) Box {
	return Box{X2: float64(bounds.Dx()), Y2: float64(bounds.Dy())}
}

// BoxFromPrompt fills missing corners with the image bounds.
func BoxFromPrompt(b *message.BBox, bounds image.Rectangle) Box {
	box := FullBox(bounds)
	if b == nil {
		return box
	}
	if b.X1 != nil {
		box.X1 = *b.X1
	}
	if b.Y1 != nil {
		box.Y1 = *b.Y1
	}
	if b.X2 != nil {
		box.X2 = *b.X2
	}
	if b.Y2 != nil {
		box.Y2 = *b.Y2
	}
	return box
}

// Array returns the box as [x1, y1, x2, y2].
func (b Box) Array() []float64 {
	return []float64{b.X1, b.Y1, b.X2, b.Y2}
}

// Validate rejects empty or inverted boxes.
func (b Box) Validate() error {
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return fmt.Errorf("%w: %v", ErrEmptyBox, b.Array())
	}
	return nil
}

// DefaultMaxPixels caps width*height of a request image before it is decoded.
// A few kilobytes of compressed input can declare billions of pixels.
const DefaultMaxPixels = 89478485

var (
	ErrEmptyBox     = errors.New("inference: empty box")
	ErrBadImage     = errors.New("inference: cannot decode image")
	ErrMaskMismatch = errors.New("inference: mask size does not match image")
)

type handlerOptions struct {
	maxPixels int64
}

type HandlerOption func(*handlerOptions)

// WithMaxPixels sets the largest accepted width*height. Zero keeps the default.
func WithMaxPixels(n int64) HandlerOption {
	return func(o *handlerOptions) {
		if n > 0 {
			o.maxPixels = n
		}
	}
}

// Handler adapts seg into a server handler. Every fault becomes {requestId, error}.
func Handler(seg Segmenter, logger zerolog.Logger, opts ...HandlerOption) middleware.HandlerFunc {
	o := handlerOptions{maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(&o)
	}
	return func(ctx context.Context, req *message.Request) *message.Response {
		log := correlation.Logger(ctx, logger)

		resp, err := segment(ctx, seg, req, o, log)
		if err != nil {
			log.Error().Err(err).Msg("Inference failed")
			return message.ErrorResponse(req.RequestID, err)
		}
		return &message.Response{RequestID: req.RequestID, Payload: resp}
	}
}

func segment(ctx context.Context, seg Segmenter, req *message.Request, o handlerOptions, log zerolog.Logger) (*message.SegmentResponse, error) {
	if err := message.SegmentSchema.Validate(req.Payload); err != nil {
		return nil, err
	}
	var sr message.SegmentRequest
	if err := codec.GetCodec(codec.CodecTypeJSON).Decode(req.Payload, &sr); err != nil {
		return nil, err
	}

	img, err := DecodeImage(sr.ImageBase64, o.maxPixels)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	log.Info().Int("width", bounds.Dx()).Int("height", bounds.Dy()).Msg("Received request")
	if (sr.Width != 0 && sr.Width != bounds.Dx()) || (sr.Height != 0 && sr.Height != bounds.Dy()) {
		log.Warn().Int("declaredWidth", sr.Width).Int("declaredHeight", sr.Height).Msg("Declared size differs from image")
	}

	box := BoxFromPrompt(sr.BBox, bounds)
	if sr.BBox != nil {
		log.Info().Floats64("box", box.Array()).Msg("Using box prompt")
	} else {
		log.Info().Floats64("box", box.Array()).Msg("Using full image as box (no bbox provided)")
	}
	if err := box.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	mask, err := seg.Segment(ctx, img, box)
	if err != nil {
		return nil, fmt.Errorf("inference: segment: %w", err)
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	w, h := bounds.Dx(), bounds.Dy()
	if len(mask) != w*h {
		return nil, fmt.Errorf("%w: got %d bytes for %dx%d", ErrMaskMismatch, len(mask), w, h)
	}
	log.Info().
		Float64("inferenceTimeMs", elapsed).
		Float64("coverage", Coverage(mask)).
		Msg("Inference complete")

	return &message.SegmentResponse{
		RequestID:       req.RequestID,
		MaskWidth:       w,
		MaskHeight:      h,
		MaskBase64:      base64.StdEncoding.EncodeToString(mask),
		InferenceTimeMs: elapsed,
	}, nil
}

// DecodeImage decodes a base64 PNG, JPEG or GIF. The header is checked against
// maxPixels before any pixel buffer is allocated.
func DecodeImage(b64 string, maxPixels int64) (image.Image, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrBadImage, err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrBadImage)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrBadImage, cfg.Width, cfg.Height, maxPixels)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrBadImage)
	}
	return img, nil
}

// Coverage is the percentage of mask pixels that are set.
func Coverage(mask []byte) float64 {
	if len(mask) == 0 {
		return 0
	}
	set := 0
	for _, v := range mask {
		if v != 0 {
			set++
		}
	}
	return float64(set) * 100 / float64(len(mask))
}
