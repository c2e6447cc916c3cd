package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNotObject is returned when a body is valid JSON but not an object.
var ErrNotObject = errors.New("codec: payload is not a JSON object")

// JSONCodec uses encoding/json and requires the top-level value to be an object.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals data into v after checking that it holds a single JSON object.
func (c *JSONCodec) Decode(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("codec: empty payload")
	}
	if trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return fmt.Errorf("codec: invalid JSON")
		}
		return ErrNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("codec: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("codec: trailing data after JSON object")
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
