// Package codec serializes relay payloads.
//
// Every frame body on every channel is a UTF-8 JSON object, so there is a single
// codec. The interface stays so endpoints and tests can substitute their own.
package codec

import "unicode/utf8"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType. JSON is the only wire format.
func GetCodec(codecType CodecType) Codec {
	return &JSONCodec{}
}

// PreviewBytes is how much of an undecodable body is echoed into logs.
const PreviewBytes = 100

// Preview returns at most n bytes of raw as text, replacing invalid UTF-8,
// so a malformed body can be logged without dumping it whole.
func Preview(raw []byte, n int) string {
	if len(raw) > n {
		raw = raw[:n]
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	out := make([]rune, 0, len(raw))
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		out = append(out, r)
		raw = raw[size:]
	}
	return string(out)
}
