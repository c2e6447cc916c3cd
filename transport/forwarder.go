// Package transport implements the relay forwarder: the outbound half of every hop.
//
// A Forwarder owns short-lived connections to one target socket. Each attempt opens
// a fresh connection, writes one frame and closes it. A failed connection is never
// reused because its state is unknown.
//
//	attempt 0 ──✗── sleep d ── attempt 1 ──✗── sleep 2d ── attempt 2 ──✗── exhausted
//	                                        └──✓── succeeded
//
// Forward is fire-and-forget: it waits for the write to finish, not for the target
// to act on the message. Request additionally reads one response frame on the
// same connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"local-relay/correlation"
	"local-relay/protocol"
)

// DefaultAttemptTimeout bounds dial plus write of a single attempt.
const DefaultAttemptTimeout = 2 * time.Second

// DialFunc opens a new connection to the forwarder's target.
type DialFunc func(ctx context.Context) (net.Conn, error)

// UnixDialer dials a Unix-domain stream socket at path.
func UnixDialer(path string) DialFunc {
	var d net.Dialer
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "unix", path)
	}
}

// Attempt records one connect-send cycle.
type Attempt struct {
	Index    int
	Err      error // nil on success
	Duration time.Duration
}

// Result is the outcome of Forward or Request.
type Result struct {
	Delivered bool
	State     State
	Attempts  []Attempt
}

// Err returns the last attempt's error, or nil when delivered.
func (r Result) Err() error {
	if r.Delivered || len(r.Attempts) == 0 {
		return nil
	}
	return r.Attempts[len(r.Attempts)-1].Err
}

// Forwarder sends frames to one target with retry and backoff.
type Forwarder struct {
	target         string
	dial           DialFunc
	policy         Policy
	attemptTimeout time.Duration
	awaitTimeout   time.Duration
	logger         zerolog.Logger
	sleep          func(ctx context.Context, d time.Duration) error
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithPolicy sets the retry policy.
func WithPolicy(p Policy) Option {
	return func(f *Forwarder) { f.policy = p }
}

// WithAttemptTimeout sets the per-attempt ceiling for dial and write.
func WithAttemptTimeout(d time.Duration) Option {
	return func(f *Forwarder) { f.attemptTimeout = d }
}

// WithAwaitTimeout bounds how long Request waits for the response frame.
// Zero waits indefinitely.
func WithAwaitTimeout(d time.Duration) Option {
	return func(f *Forwarder) { f.awaitTimeout = d }
}

// WithDialer replaces the Unix socket dialer.
func WithDialer(dial DialFunc) Option {
	return func(f *Forwarder) { f.dial = dial }
}

// WithLogger sets the logger used for attempt outcomes.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

// WithSleep replaces the backoff sleep; tests use it to observe the schedule.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Forwarder) { f.sleep = sleep }
}

// NewForwarder creates a forwarder for the Unix socket at target.
func NewForwarder(target string, opts ...Option) *Forwarder {
	f := &Forwarder{
		target:         target,
		dial:           UnixDialer(target),
		policy:         DefaultPolicy(),
		attemptTimeout: DefaultAttemptTimeout,
		logger:         zerolog.Nop(),
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Target returns the socket path this forwarder sends to.
func (f *Forwarder) Target() string {
	return f.target
}

// Forward delivers payload as one frame. Transport failures are retried per the
// policy; exhaustion is reported through Result, never as a panic.
func (f *Forwarder) Forward(ctx context.Context, payload []byte) Result {
	return f.run(ctx, payload, nil)
}

// Request delivers payload and reads one response frame of at most max bytes from
// the same connection. Only the connect-send cycle is retried: once the request is
// written, a failure while waiting for the response is returned as-is, so the
// target never computes the same request twice.
func (f *Forwarder) Request(ctx context.Context, payload []byte, max uint32) ([]byte, Result, error) {
	var resp []byte
	var respErr error
	res := f.run(ctx, payload, func(conn net.Conn) {
		// unblock the read if the caller gives up
		stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
		defer stop()

		var deadline time.Time
		if f.awaitTimeout > 0 {
			deadline = time.Now().Add(f.awaitTimeout)
		}
		if err := conn.SetDeadline(deadline); err != nil {
			respErr = fmt.Errorf("transport: set response deadline: %w", err)
			return
		}
		resp, respErr = protocol.ReadFrame(conn, max)
		if respErr != nil {
			respErr = fmt.Errorf("transport: read response from %s: %w", f.target, respErr)
		}
	})
	if !res.Delivered {
		return nil, res, fmt.Errorf("transport: %s unreachable after %d attempts: %w", f.target, len(res.Attempts), res.Err())
	}
	return resp, res, respErr
}

func (f *Forwarder) run(ctx context.Context, payload []byte, await func(net.Conn)) Result {
	logger := correlation.Logger(ctx, f.logger).With().Str("target", f.target).Logger()

	res := Result{State: Start()}
	for !res.State.Done() {
		i := res.State.Attempt
		start := time.Now()
		err := f.attempt(ctx, payload, await)
		res.Attempts = append(res.Attempts, Attempt{Index: i, Err: err, Duration: time.Since(start)})

		var delay time.Duration
		res.State, delay = f.policy.Next(res.State, err)

		if err != nil {
			logger.Warn().Err(err).Int("attempt", i+1).Bool("timeout", IsTimeout(err)).Dur("backoff", delay).Msg("Socket error")
		}
		if res.State.Kind == StateAttempting {
			if serr := f.sleep(ctx, delay); serr != nil {
				logger.Warn().Err(serr).Msg("Backoff interrupted")
				res.State = State{Kind: StateExhausted, Attempt: i}
			}
		}
	}

	res.Delivered = res.State.Kind == StateSucceeded
	if res.Delivered {
		logger.Info().Int("attempt", res.State.Attempt+1).Int("bytes", len(payload)).Msg("Forwarded")
	} else {
		logger.Error().Err(res.Err()).Int("retries", len(res.Attempts)).Msg("Failed to forward after retries")
	}
	return res
}

// attempt runs one connect-send cycle on a connection it alone owns.
func (f *Forwarder) attempt(ctx context.Context, payload []byte, await func(net.Conn)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	actx, cancel := context.WithTimeout(ctx, f.attemptTimeout)
	defer cancel()

	conn, err := f.dial(actx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := actx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
	}
	if err := protocol.WriteFrame(conn, payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if await != nil {
		await(conn)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTimeout reports whether err came from an attempt deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
