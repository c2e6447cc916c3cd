package codec

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	data, err := jsonCodec.Encode(map[string]any{"type": "show", "popupId": "p1"})
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decoded map[string]any
	if err := jsonCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	if decoded["type"] != "show" || decoded["popupId"] != "p1" {
		t.Errorf("decoded mismatch: %v", decoded)
	}
}

func TestJSONCodecKeepsNumbers(t *testing.T) {
	var decoded map[string]any
	if err := (&JSONCodec{}).Decode([]byte(`{"n":12345678901234567}`), &decoded); err != nil {
		t.Fatal(err)
	}
	n, ok := decoded["n"].(json.Number)
	if !ok || n.String() != "12345678901234567" {
		t.Fatalf("expect exact json.Number, got %#v", decoded["n"])
	}
}

func TestJSONCodecRejects(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"spaces":         `   `,
		"garbage":        `{"a":`,
		"array":          `[1,2]`,
		"string":         `"x"`,
		"trailing":       `{} {}`,
		"trailing brace": `{} }`,
		"trailing close": `{"a":1}]`,
	}
	for name, in := range cases {
		var v map[string]any
		if err := (&JSONCodec{}).Decode([]byte(in), &v); err == nil {
			t.Errorf("%s: expect error", name)
		}
	}

	var v map[string]any
	if err := (&JSONCodec{}).Decode([]byte("{\"a\":1}  \n"), &v); err != nil {
		t.Errorf("trailing whitespace: expect success, got %v", err)
	}
	if err := (&JSONCodec{}).Decode([]byte(`[1]`), &v); !errors.Is(err, ErrNotObject) {
		t.Errorf("array: expect ErrNotObject, got %v", err)
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("a", 300)
	if got := Preview([]byte(long), PreviewBytes); len(got) != PreviewBytes {
		t.Fatalf("preview length: got %d, want %d", len(got), PreviewBytes)
	}
	if got := Preview([]byte{'o', 'k', 0xff}, PreviewBytes); got != "ok�" {
		t.Fatalf("invalid utf-8 not replaced: %q", got)
	}
	if got := Preview([]byte("short"), PreviewBytes); got != "short" {
		t.Fatalf("got %q", got)
	}
}
