package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"local-relay/correlation"
	"local-relay/message"
)

func TestSinkLogsAndNeverReplies(t *testing.T) {
	var logs bytes.Buffer
	handler := sink(zerolog.New(&logs))
	ctx := correlation.WithID(context.Background(), "r1")

	resp := handler(ctx, &message.Request{RequestID: "r1", Payload: json.RawMessage(`{"type":"show","popupId":"p1"}`)})
	assert.Nil(t, resp)
	assert.Contains(t, logs.String(), `"popupId":"p1"`)
	assert.Contains(t, logs.String(), `"requestId":"r1"`)

	logs.Reset()
	resp = handler(ctx, &message.Request{RequestID: "r1", Payload: json.RawMessage(`{"popupId":`)})
	assert.Nil(t, resp)
	assert.Contains(t, logs.String(), "Failed to decode message")
}
