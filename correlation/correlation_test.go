package correlation

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{8}$`)

func TestNewIsShortAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		require.Regexp(t, idPattern, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestExtract(t *testing.T) {
	id, ok := Extract([]byte(`{"requestId":"abc123","imageBase64":"x"}`))
	assert.True(t, ok)
	assert.Equal(t, "abc123", id)

	for _, body := range []string{`{}`, `{"requestId":""}`, `{"requestId":7}`, `{"requestId":null}`, `garbage`} {
		_, ok := Extract([]byte(body))
		assert.False(t, ok, body)
	}
}

func TestID(t *testing.T) {
	id, ok := ID(map[string]any{"requestId": "r9"})
	assert.True(t, ok)
	assert.Equal(t, "r9", id)

	_, ok = ID(map[string]any{"requestId": 9})
	assert.False(t, ok)
}

func TestResolve(t *testing.T) {
	assert.Equal(t, "abc123", Resolve([]byte(`{"requestId":"abc123"}`)))
	assert.Regexp(t, idPattern, Resolve([]byte(`{"imageBase64":"x"}`)))
}

func TestInjectKeepsFields(t *testing.T) {
	out, err := Inject([]byte(`{"imageBase64":"AAAA","bbox":{"x1":1}}`), "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"imageBase64":"AAAA","bbox":{"x1":1},"requestId":"r1"}`, string(out))

	out, err = Inject([]byte(`{"requestId":"old"}`), "new")
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestId":"new"}`, string(out))

	_, err = Inject([]byte(`[1]`), "r1")
	assert.Error(t, err)
}

func TestLoggerCarriesID(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithID(context.Background(), "abc123")
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "abc123", got)

	logger := Logger(ctx, base)
	logger.Info().Msg("first")
	logger.Info().Msg("second")

	dec := json.NewDecoder(&buf)
	for dec.More() {
		var entry map[string]any
		require.NoError(t, dec.Decode(&entry))
		assert.Equal(t, "abc123", entry["requestId"])
	}

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
