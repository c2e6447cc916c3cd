package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"local-relay/message"
)

// TimeOutMiddleware bounds the compute step. The handler keeps running in the
// background after the deadline; its result is discarded. The handler runs on its
// own goroutine, so panics are recovered there and reported like RecoverMiddleware
// does.
func TimeOutMiddleware(timeout time.Duration, logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		guarded := RecoverMiddleware(logger)(next)
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- guarded(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Response{
					RequestID: req.RequestID,
					Error:     "request timed out",
				}
			}
		}
	}
}
