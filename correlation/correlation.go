// Package correlation threads a request identifier through every hop of a relay.
//
// The frame header carries no id, so the id lives inside the JSON payload as
// "requestId". A receiver either adopts the caller's id or generates one, then
// attaches it to the context and to every log line and response for that request.
package correlation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"local-relay/message"
)

// IDLength is the length of generated identifiers.
const IDLength = 8

type ctxKey struct{}

// New returns a fresh short identifier taken from a random UUID.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:IDLength]
}

// ID reads a non-empty string requestId from an already decoded message.
func ID(msg map[string]any) (string, bool) {
	v, ok := msg[message.RequestIDField].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Extract reads requestId from a raw JSON object without decoding the rest of it.
func Extract(body []byte) (string, bool) {
	var probe struct {
		RequestID json.RawMessage `json:"requestId"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || len(probe.RequestID) == 0 {
		return "", false
	}
	var id string
	if err := json.Unmarshal(probe.RequestID, &id); err != nil || id == "" {
		return "", false
	}
	return id, true
}

// Resolve returns the caller's requestId or a generated one.
func Resolve(body []byte) string {
	if id, ok := Extract(body); ok {
		return id
	}
	return New()
}

// Inject returns body with requestId set to id, keeping every other field.
func Inject(body []byte, id string) ([]byte, error) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("correlation: inject requestId: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields[message.RequestIDField] = raw
	return json.Marshal(fields)
}

// WithID attaches id to ctx.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the id attached by WithID.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Logger returns base enriched with the context's requestId, if any.
func Logger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	id, ok := FromContext(ctx)
	if !ok {
		return base
	}
	return base.With().Str(message.RequestIDField, id).Logger()
}
