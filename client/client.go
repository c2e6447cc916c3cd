// Package client is the caller side of the inference relay: it frames one
// request, waits for the framed response on the same connection and checks that
// the response belongs to the request.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"local-relay/codec"
	"local-relay/correlation"
	"local-relay/message"
	"local-relay/transport"
)

// ErrCorrelationMismatch means the response carried another request's id.
var ErrCorrelationMismatch = errors.New("client: response requestId does not match request")

// RemoteError is an {requestId, error} response from the server.
type RemoteError struct {
	RequestID string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("client: request %s failed remotely: %s", e.RequestID, e.Message)
}

// Config describes the inference endpoint.
type Config struct {
	SocketPath      string
	MaxMessageBytes uint32
	AttemptTimeout  time.Duration
	// ResponseTimeout bounds the wait for the response; zero waits indefinitely.
	ResponseTimeout time.Duration
}

type Client struct {
	fwd *transport.Forwarder
	max uint32
	log zerolog.Logger
}

// New creates a client. opts are passed to the underlying forwarder and may
// override the values taken from cfg.
func New(cfg Config, logger zerolog.Logger, opts ...transport.Option) *Client {
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 100 * 1024 * 1024
	}
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = transport.DefaultAttemptTimeout
	}
	base := []transport.Option{
		transport.WithAttemptTimeout(cfg.AttemptTimeout),
		transport.WithAwaitTimeout(cfg.ResponseTimeout),
		transport.WithLogger(logger),
	}
	return &Client{
		fwd: transport.NewForwarder(cfg.SocketPath, append(base, opts...)...),
		max: cfg.MaxMessageBytes,
		log: logger,
	}
}

// Call sends a raw JSON object, adding a requestId when body has none, and
// returns the raw response together with the id it was correlated on.
func (c *Client) Call(ctx context.Context, body []byte) ([]byte, string, error) {
	id, ok := correlation.Extract(body)
	if !ok {
		id = correlation.New()
		stamped, err := correlation.Inject(body, id)
		if err != nil {
			return nil, "", err
		}
		body = stamped
	}
	ctx = correlation.WithID(ctx, id)

	reply, _, err := c.fwd.Request(ctx, body, c.max)
	if err != nil {
		return nil, id, fmt.Errorf("client: %w", err)
	}
	if got, _ := correlation.Extract(reply); got != id {
		return nil, id, fmt.Errorf("%w: sent %q, got %q", ErrCorrelationMismatch, id, got)
	}
	return reply, id, nil
}

// Segmentation is a successful response with its mask decoded.
type Segmentation struct {
	*message.SegmentResponse
	Mask []byte
}

// Segment runs one inference request.
func (c *Client) Segment(ctx context.Context, req *message.SegmentRequest) (*Segmentation, error) {
	json := codec.GetCodec(codec.CodecTypeJSON)
	body, err := json.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("client: encode request: %w", err)
	}

	reply, id, err := c.Call(ctx, body)
	if err != nil {
		return nil, err
	}
	log := c.log.With().Str(message.RequestIDField, id).Logger()

	var resp message.SegmentResponse
	if err := json.Decode(reply, &resp); err != nil {
		return nil, fmt.Errorf("client: decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, &RemoteError{RequestID: resp.RequestID, Message: resp.Error}
	}

	mask, err := DecodeMask(&resp)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Int("maskWidth", resp.MaskWidth).
		Int("maskHeight", resp.MaskHeight).
		Float64("inferenceTimeMs", resp.InferenceTimeMs).
		Msg("Received mask")
	return &Segmentation{SegmentResponse: &resp, Mask: mask}, nil
}

// DecodeMask decodes maskBase64 and checks it holds maskWidth*maskHeight bytes.
func DecodeMask(resp *message.SegmentResponse) ([]byte, error) {
	mask, err := base64.StdEncoding.DecodeString(resp.MaskBase64)
	if err != nil {
		return nil, fmt.Errorf("client: decode mask: %w", err)
	}
	if want := resp.MaskWidth * resp.MaskHeight; len(mask) != want || want == 0 {
		return nil, fmt.Errorf("client: mask has %d bytes, want %dx%d", len(mask), resp.MaskWidth, resp.MaskHeight)
	}
	return mask, nil
}
