package message

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidMessage is returned when a body does not match its channel schema.
var ErrInvalidMessage = errors.New("message: invalid message")

const overlaySchema = `{
  "type": "object",
  "required": ["type", "popupId"],
  "properties": {
    "type":      {"type": "string"},
    "popupId":   {"type": "string"},
    "requestId": {"type": "string"}
  }
}`

const segmentSchema = `{
  "type": "object",
  "required": ["imageBase64"],
  "properties": {
    "imageBase64": {"type": "string", "minLength": 1},
    "requestId":   {"type": "string"},
    "width":       {"type": "integer", "minimum": 0},
    "height":      {"type": "integer", "minimum": 0},
    "bbox": {
      "type": "object",
      "properties": {
        "x1": {"type": "number"},
        "y1": {"type": "number"},
        "x2": {"type": "number"},
        "y2": {"type": "number"}
      }
    }
  }
}`

// Schema validates message bodies against one compiled JSON schema.
type Schema struct {
	name   string
	schema *gojsonschema.Schema
}

var (
	// OverlaySchema describes what the extension sends through the bridge.
	OverlaySchema = mustSchema("overlay", overlaySchema)
	// SegmentSchema describes inference relay requests.
	SegmentSchema = mustSchema("segment", segmentSchema)
)

func mustSchema(name, src string) *Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("message: compile %s schema: %v", name, err))
	}
	return &Schema{name: name, schema: s}
}

// Validate checks body and returns an error wrapping ErrInvalidMessage that lists
// every violation.
func (s *Schema) Validate(body []byte) error {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, s.name, err)
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return fmt.Errorf("%w: %s: %s", ErrInvalidMessage, s.name, strings.Join(details, "; "))
}
