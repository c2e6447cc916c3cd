package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"

	"local-relay/correlation"
	"local-relay/message"
)

// RecoverMiddleware turns a panic in the compute step into a {requestId, error}
// response so the caller still gets exactly one reply.
func RecoverMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					log := correlation.Logger(ctx, logger)
					log.Error().
						Interface("panic", r).
						Str("traceback", string(debug.Stack())).
						Msg("Error processing request")
					resp = &message.Response{
						RequestID: req.RequestID,
						Error:     fmt.Sprintf("internal error: %v", r),
					}
				}
			}()
			return next(ctx, req)
		}
	}
}
