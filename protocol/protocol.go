// Package protocol implements the length-prefixed frame protocol shared by every
// local relay endpoint.
//
// A byte stream (Unix socket or stdio pipe) has no message boundaries, so each
// message is preceded by its length. The receiver reads the 4-byte header first,
// checks the declared length against the channel's limit, then reads exactly that
// many bytes.
//
// Frame format:
//
//	0         4
//	┌─────────┬──────────────────────────┐
//	│ length  │          body ...        │
//	│ uint32  │  length bytes, UTF-8 JSON │
//	│  (LE)   │                          │
//	└─────────┴──────────────────────────┘
//
// There is no magic, version or checksum, and no delimiter other than the prefix.
package protocol

import (
	"encoding/binary"
	"io"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

// Encode wraps payload into a complete frame: 4 little-endian length bytes
// followed by the payload itself.
func Encode(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeHeader returns the body length carried by a 4-byte header.
// Passing anything other than exactly HeaderSize bytes is a programming error.
func DecodeHeader(b []byte) uint32 {
	if len(b) != HeaderSize {
		panic("protocol: DecodeHeader needs exactly 4 bytes")
	}
	return binary.LittleEndian.Uint32(b)
}

// WriteFrame writes payload as one frame.
// Header and body go out in a single Write so that a concurrent writer sharing w
// (guarded by the caller's lock) can never interleave between them.
func WriteFrame(w io.Writer, payload []byte) error {
	frame := Encode(payload)
	n, err := w.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}
