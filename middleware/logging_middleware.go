package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"local-relay/correlation"
	"local-relay/message"
)

// LoggingMiddleware logs duration and outcome of every request, tagged with its
// requestId.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			log := correlation.Logger(ctx, logger)
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			switch {
			case resp == nil:
				log.Info().Dur("duration", duration).Msg("Request handled (no reply)")
			case resp.Error != "":
				log.Error().Str("error", resp.Error).Dur("duration", duration).Msg("Request failed")
			default:
				log.Info().Dur("duration", duration).Msg("Request handled")
			}
			return resp
		}
	}
}
