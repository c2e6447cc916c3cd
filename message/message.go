// Package message defines the JSON messages carried inside relay frames.
//
// Every message is a JSON object. Fields are channel-specific:
//
//	extension → bridge → overlay   OverlayMessage (forwarded verbatim)
//	bridge → extension             BridgeReply
//	caller → inference server      SegmentRequest
//	inference server → caller      SegmentResponse
//
// Messages taking part in correlation carry an optional "requestId".
package message

import (
	"encoding/json"
	"time"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// RequestIDField is the JSON key carrying the correlation id.
const RequestIDField = "requestId"

// OverlayMessage is the part of an extension message the relay looks at.
// Unknown fields are preserved because the relay forwards the raw body.
type OverlayMessage struct {
	Type    string `json:"type"`
	PopupID string `json:"popupId"`
}

// BridgeReply is written back to the extension once per delimited message.
//
//   - forwarding attempted: {status, forwarded, ts}
//   - unexpected fault:     {status:"error", error, ts}
type BridgeReply struct {
	Status    string `json:"status"`
	Forwarded *bool  `json:"forwarded,omitempty"`
	Error     string `json:"error,omitempty"`
	TS        int64  `json:"ts"`
}

// NewForwardReply reports the outcome of a forward.
func NewForwardReply(forwarded bool, now time.Time) *BridgeReply {
	status := StatusOK
	if !forwarded {
		status = StatusError
	}
	return &BridgeReply{
		Status:    status,
		Forwarded: &forwarded,
		TS:        now.UnixMilli(),
	}
}

// NewErrorReply reports a fault that prevented forwarding.
func NewErrorReply(err error, now time.Time) *BridgeReply {
	return &BridgeReply{
		Status: StatusError,
		Error:  err.Error(),
		TS:     now.UnixMilli(),
	}
}

// BBox is an optional box prompt in image pixel coordinates.
// Missing corners default to the image bounds.
type BBox struct {
	X1 *float64 `json:"x1,omitempty"`
	Y1 *float64 `json:"y1,omitempty"`
	X2 *float64 `json:"x2,omitempty"`
	Y2 *float64 `json:"y2,omitempty"`
}

// SegmentRequest is sent to the inference relay server.
type SegmentRequest struct {
	RequestID   string `json:"requestId,omitempty"`
	ImageBase64 string `json:"imageBase64"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	BBox        *BBox  `json:"bbox,omitempty"`
}

// SegmentResponse is the inference server's answer.
// Either Error is set, or the mask fields are. The relay server writes failures
// with the {requestId, error} shape of Response.Body instead.
type SegmentResponse struct {
	RequestID       string  `json:"requestId"`
	MaskWidth       int     `json:"maskWidth"`
	MaskHeight      int     `json:"maskHeight"`
	MaskBase64      string  `json:"maskBase64"`
	InferenceTimeMs float64 `json:"inferenceTimeMs"`
	Error           string  `json:"error,omitempty"`
}

// Request is a decoded frame handed to a server handler.
type Request struct {
	RequestID string
	Payload   json.RawMessage
}

// Response is what a server handler produces for one connection.
// A nil *Response means the channel is one-way and nothing is written back.
type Response struct {
	RequestID string
	Payload   any
	Error     string
}

// ErrorResponse builds the {requestId, error} shape.
func ErrorResponse(requestID string, err error) *Response {
	return &Response{RequestID: requestID, Error: err.Error()}
}

type errorBody struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

// Body serializes the response for the wire.
func (r *Response) Body() ([]byte, error) {
	if r.Error != "" || r.Payload == nil {
		msg := r.Error
		if msg == "" {
			msg = "empty response"
		}
		return json.Marshal(errorBody{RequestID: r.RequestID, Error: msg})
	}
	return json.Marshal(r.Payload)
}
