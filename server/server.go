// Package server implements the listening relay server: the inbound half of a
// request/response hop over a Unix-domain socket.
//
// Connection processing pipeline:
//
//	Accept conn → ReadFrame (length guard) → resolve requestId
//	  → Middleware Chain → handler (opaque compute) → frame response → write → close
//
// Each connection carries exactly one request and at most one response.
//
// By default connections are handled strictly one after another: the next Accept
// happens only once the current connection is closed, so a slow compute step holds
// back every other caller but requests never interfere with each other. Setting
// Workers above 1 hands each connection to a bounded worker group instead; Accept
// then blocks while all workers are busy, which is the server's backpressure.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"local-relay/correlation"
	"local-relay/message"
	"local-relay/middleware"
	"local-relay/protocol"
)

// DefaultMaxMessageBytes is the inference channel limit (100 MiB); it carries images.
const DefaultMaxMessageBytes uint32 = 100 * 1024 * 1024

// Config describes one listening endpoint.
type Config struct {
	SocketPath      string
	MaxMessageBytes uint32
	Workers         int
	SocketMode      fs.FileMode
}

// Server accepts framed requests on a Unix socket and answers each on the same
// connection.
type Server struct {
	cfg         Config
	logger      zerolog.Logger
	listener    net.Listener
	wg          sync.WaitGroup         // Tracks in-flight connections for graceful shutdown
	mu          sync.Mutex             // Orders wg.Add against setting shutdown
	shutdown    atomic.Bool            // Set during shutdown to suppress Accept errors
	middlewares []middleware.Middleware
	business    middleware.HandlerFunc // The compute step
	handler     middleware.HandlerFunc // Recover(middlewares...(business))
}

// NewServer creates a server that will hand every decoded request to handler.
func NewServer(cfg Config, handler middleware.HandlerFunc, logger zerolog.Logger) *Server {
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.SocketMode == 0 {
		cfg.SocketMode = 0o600
	}
	return &Server{
		cfg:      cfg,
		logger:   logger.With().Str("socket", cfg.SocketPath).Logger(),
		business: handler,
	}
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen binds the socket. A stale socket file left by a previous run is removed
// first; its absence is not an error. Listen is where resource faults surface, so
// callers can treat its error as fatal before any connection is accepted.
func (svr *Server) Listen() error {
	if err := removeStale(svr.cfg.SocketPath); err != nil {
		return err
	}
	listener, err := net.Listen("unix", svr.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("server: bind %s: %w", svr.cfg.SocketPath, err)
	}
	if err := os.Chmod(svr.cfg.SocketPath, svr.cfg.SocketMode); err != nil {
		listener.Close()
		return fmt.Errorf("server: chmod %s: %w", svr.cfg.SocketPath, err)
	}
	svr.listener = listener
	return nil
}

func removeStale(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("server: remove stale socket %s: %w", path, err)
}

// Serve runs the accept loop until ctx is cancelled, Shutdown is called, or Accept
// fails. Per-connection faults never stop the loop.
func (svr *Server) Serve(ctx context.Context) error {
	if svr.listener == nil {
		if err := svr.Listen(); err != nil {
			return err
		}
	}

	// Build the middleware chain once at startup (not per-request)
	chain := append([]middleware.Middleware{middleware.RecoverMiddleware(svr.logger)}, svr.middlewares...)
	svr.handler = middleware.Chain(chain...)(svr.business)

	stop := context.AfterFunc(ctx, svr.closeListener)
	defer stop()

	svr.logger.Info().
		Int("workers", svr.cfg.Workers).
		Uint32("maxMessageBytes", svr.cfg.MaxMessageBytes).
		Msg("Server listening")

	var workers errgroup.Group
	if svr.cfg.Workers > 1 {
		workers.SetLimit(svr.cfg.Workers)
	}
	defer workers.Wait()

	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			// During shutdown, closing the listener makes Accept fail.
			if svr.shutdown.Load() {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		if !svr.track() {
			// accepted while shutting down; Shutdown may already be waiting
			conn.Close()
			return nil
		}
		if svr.cfg.Workers == 1 {
			svr.handleConn(ctx, conn)
			continue
		}
		workers.Go(func() error {
			svr.handleConn(ctx, conn)
			return nil
		})
	}
}

// Addr returns the socket path.
func (svr *Server) Addr() string {
	return svr.cfg.SocketPath
}

// handleConn serves one request on conn and closes it. It owns conn.
func (svr *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer svr.wg.Done()
	defer conn.Close()

	body, err := protocol.ReadFrame(conn, svr.cfg.MaxMessageBytes)
	if err != nil {
		svr.logReadError(err)
		return
	}

	requestID := correlation.Resolve(body)
	ctx = correlation.WithID(ctx, requestID)
	log := correlation.Logger(ctx, svr.logger)
	log.Debug().Int("length", len(body)).Msg("Receiving message")

	resp := svr.handler(ctx, &message.Request{RequestID: requestID, Payload: body})
	if resp == nil {
		return
	}
	if resp.RequestID == "" {
		resp.RequestID = requestID
	}

	out, err := resp.Body()
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		out, _ = message.ErrorResponse(requestID, err).Body()
	}
	if err := protocol.WriteFrame(conn, out); err != nil {
		log.Error().Err(err).Msg("Failed to send response")
		return
	}
	log.Debug().Int("length", len(out)).Msg("Sent response")
}

func (svr *Server) logReadError(err error) {
	var oversize *protocol.OversizeError
	switch {
	case errors.As(err, &oversize):
		svr.logger.Error().Uint32("length", oversize.Length).Uint32("max", oversize.Max).Msg("Request too large")
	case errors.Is(err, io.EOF):
		svr.logger.Warn().Msg("Connection closed before request")
	case errors.Is(err, protocol.ErrFramingViolation):
		svr.logger.Error().Err(err).Msg("Connection error")
	default:
		svr.logger.Error().Err(err).Msg("Server error")
	}
}

// track registers an accepted connection unless shutdown has begun.
func (svr *Server) track() bool {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wg.Add(1)
	return true
}

func (svr *Server) closeListener() {
	svr.mu.Lock()
	svr.shutdown.Store(true)
	svr.mu.Unlock()
	if svr.listener != nil {
		svr.listener.Close()
	}
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag (so Accept error is recognized as intentional)
//  2. Close the listener (stop accepting new connections)
//  3. Wait for in-flight connections to finish (with timeout)
//  4. Remove the socket file
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.closeListener()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	if rerr := removeStale(svr.cfg.SocketPath); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
