// Package bridge implements the duplex stdio bridge.
//
// The bridge reads length-prefixed JSON messages from a host process on stdin,
// forwards each one to the overlay socket and writes exactly one framed reply per
// message on stdout. Replies are flushed immediately.
//
//	AwaitingHeader ─► AwaitingBody ─► Decoding ─► Forwarding ─► Replying ─┐
//	      ▲   │             │             │                        │       │
//	      │   ▼             ▼ oversize    └──── malformed ────────►│       │
//	      │ Closed ◄── truncated                                   │       │
//	      └────────────────────────────────────────────────────────┴───────┘
//
// An oversized header cannot be skipped without reading its body, so after the
// error reply the bridge closes instead of returning to AwaitingHeader.
package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"local-relay/codec"
	"local-relay/correlation"
	"local-relay/message"
	"local-relay/protocol"
	"local-relay/transport"
)

type State int

const (
	AwaitingHeader State = iota
	AwaitingBody
	Decoding
	Forwarding
	Replying
	Closed
)

var stateNames = [...]string{
	AwaitingHeader: "awaiting-header",
	AwaitingBody:   "awaiting-body",
	Decoding:       "decoding",
	Forwarding:     "forwarding",
	Replying:       "replying",
	Closed:         "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Forwarder delivers one message to the overlay. *transport.Forwarder satisfies it.
type Forwarder interface {
	Forward(ctx context.Context, payload []byte) transport.Result
}

// Bridge is one stdio session. It is not safe for concurrent use.
type Bridge struct {
	in       io.Reader
	out      *bufio.Writer
	fwd      Forwarder
	limits   protocol.Limits
	logger   zerolog.Logger
	now      func() time.Time
	observer func(from, to State)
	state    State
}

type Option func(*Bridge)

// WithLimits sets the inbound message limit. The default is 1 MiB.
func WithLimits(l protocol.Limits) Option {
	return func(b *Bridge) { b.limits = l }
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithClock replaces the reply timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// WithObserver is called on every state change.
func WithObserver(fn func(from, to State)) Option {
	return func(b *Bridge) { b.observer = fn }
}

// New creates a bridge reading frames from in and writing replies to out.
func New(in io.Reader, out io.Writer, fwd Forwarder, opts ...Option) *Bridge {
	b := &Bridge{
		in:     in,
		out:    bufio.NewWriter(out),
		fwd:    fwd,
		limits: protocol.DefaultLimits(),
		logger: zerolog.Nop(),
		now:    time.Now,
		state:  AwaitingHeader,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.limits.MaxMessageBytes == 0 {
		b.limits = protocol.DefaultLimits()
	}
	return b
}

// State returns the current state.
func (b *Bridge) State() State {
	return b.state
}

// cycle holds what one message accumulates on its way through the states.
type cycle struct {
	ctx    context.Context
	log    zerolog.Logger
	length uint32
	body   []byte
	reply  *message.BridgeReply
	fatal  error
}

// Run processes messages until the input ends. A clean end of input, before any
// header byte of a new message, returns nil. Truncated or oversized input returns
// the error that closed the session.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info().Uint32("maxMessageBytes", b.limits.MaxMessageBytes).Msg("Bridge started")

	var c cycle
	for {
		switch b.state {
		case AwaitingHeader:
			c = cycle{ctx: ctx, log: b.logger}
			if err := ctx.Err(); err != nil {
				b.transition(Closed)
				return err
			}
			header, err := protocol.ReadExact(b.in, protocol.HeaderSize)
			if errors.Is(err, io.EOF) {
				b.logger.Info().Msg("Input closed")
				b.transition(Closed)
				return nil
			}
			if err != nil {
				b.logger.Error().Err(err).Msg("Failed to read message header")
				b.transition(Closed)
				return err
			}
			c.length = protocol.DecodeHeader(header)
			b.transition(AwaitingBody)

		case AwaitingBody:
			if err := protocol.CheckLength(c.length, b.limits.MaxMessageBytes); err != nil {
				b.logger.Error().
					Uint32("length", c.length).
					Uint32("max", b.limits.MaxMessageBytes).
					Msg("Message too large")
				c.reply = message.NewErrorReply(err, b.now())
				c.fatal = err
				b.transition(Replying)
				continue
			}
			body, err := protocol.ReadBody(b.in, c.length)
			if err != nil {
				b.logger.Error().Err(err).Uint32("length", c.length).Msg("Failed to read message body")
				b.transition(Closed)
				return err
			}
			c.body = body
			c.ctx = correlation.WithID(ctx, correlation.Resolve(body))
			c.log = correlation.Logger(c.ctx, b.logger)
			c.log.Debug().Uint32("length", c.length).Msg("Reading message")
			b.transition(Decoding)

		case Decoding:
			c.reply = b.guard(&c, b.decode)
			if c.reply != nil {
				b.transition(Replying)
			} else {
				b.transition(Forwarding)
			}

		case Forwarding:
			c.reply = b.guard(&c, b.forward)
			b.transition(Replying)

		case Replying:
			if err := b.writeReply(c.reply); err != nil {
				c.log.Error().Err(err).Msg("Failed to write reply")
				b.transition(Closed)
				return err
			}
			if c.fatal != nil {
				b.transition(Closed)
				return c.fatal
			}
			b.transition(AwaitingHeader)

		case Closed:
			return nil
		}
	}
}

// guard runs step and turns a panic into an error reply, so one bad message
// never ends the session.
func (b *Bridge) guard(c *cycle, step func(*cycle) *message.BridgeReply) (reply *message.BridgeReply) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("state", b.state.String()).Msg("Error processing message")
			reply = message.NewErrorReply(fmt.Errorf("internal error: %v", r), b.now())
		}
	}()
	return step(c)
}

// decode returns nil when the body may be forwarded.
func (b *Bridge) decode(c *cycle) *message.BridgeReply {
	var msg map[string]any
	if err := codec.GetCodec(codec.CodecTypeJSON).Decode(c.body, &msg); err != nil {
		c.log.Error().Err(err).Str("preview", codec.Preview(c.body, codec.PreviewBytes)).Msg("Invalid JSON")
		return message.NewErrorReply(fmt.Errorf("invalid JSON: %w", err), b.now())
	}
	if err := message.OverlaySchema.Validate(c.body); err != nil {
		c.log.Warn().Err(err).Msg("Unexpected message shape")
	}
	c.log.Info().
		Interface("type", msg["type"]).
		Interface("popupId", msg["popupId"]).
		Msg("Received message")
	return nil
}

func (b *Bridge) forward(c *cycle) *message.BridgeReply {
	res := b.fwd.Forward(c.ctx, c.body)
	return message.NewForwardReply(res.Delivered, b.now())
}

func (b *Bridge) writeReply(reply *message.BridgeReply) error {
	body, err := codec.GetCodec(codec.CodecTypeJSON).Encode(reply)
	if err != nil {
		return fmt.Errorf("bridge: encode reply: %w", err)
	}
	if err := protocol.WriteFrame(b.out, body); err != nil {
		return fmt.Errorf("bridge: write reply: %w", err)
	}
	if err := b.out.Flush(); err != nil {
		return fmt.Errorf("bridge: flush reply: %w", err)
	}
	return nil
}

func (b *Bridge) transition(to State) {
	from := b.state
	b.state = to
	if b.observer != nil {
		b.observer(from, to)
	}
}
