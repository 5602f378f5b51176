// Package protocol implements the length-prefixed JSON frame format.
//
// It solves TCP's sticky packet problem with a 4-byte length prefix followed
// by a variable-length body. The receiver reads the prefix first to determine
// the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0         4
//	┌─────────┬───────────────────────┐
//	│ length  │  payload ...          │
//	│ uint32  │  UTF-8 JSON Message   │
//	└─────────┴───────────────────────┘
//
// The length is big-endian (network byte order) and counts only the payload
// bytes. The payload is the JSON serialization of a message.Message envelope.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"relay-rpc/message"
)

// LengthSize is the size of the frame's length prefix in bytes.
const LengthSize = 4

// MaxFrameSize bounds a single payload. A frame whose prefix claims more
// fails the connection with a decode error rather than letting a corrupt
// or hostile peer force an arbitrarily large allocation.
const MaxFrameSize = 16 << 20 // 16 MiB

// ErrFrameTooLarge is wrapped into the error returned for oversized frames.
var ErrFrameTooLarge = fmt.Errorf("protocol: frame exceeds %d bytes", MaxFrameSize)

// Encode serializes the envelope and writes one complete frame to w.
//
// The length prefix and payload are written with a single Write call so the
// frame appears atomically on the wire. Callers sharing a writer across
// goroutines must still serialize Encode calls with a lock, otherwise frames
// from different requests interleave and corrupt the stream.
func Encode(w io.Writer, m *message.Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("protocol: encode %s: %w", m.Type, err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("protocol: encode %s: %w", m.Type, ErrFrameTooLarge)
	}

	buf := make([]byte, LengthSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthSize], uint32(len(payload)))
	copy(buf[LengthSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// Decode reads one complete frame from r and unmarshals the envelope.
//
// io.ReadFull guarantees exactly N bytes are consumed — a short read blocks
// for more data instead of surfacing a partial frame. Envelopes with an
// unknown type are returned to the caller, which logs and discards them.
func Decode(r io.Reader) (*message.Message, error) {
	prefix := make([]byte, LengthSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix)
	if length > MaxFrameSize {
		return nil, fmt.Errorf("protocol: decode: claimed %d bytes: %w", length, ErrFrameTooLarge)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	var m message.Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("protocol: decode payload: %w", err)
	}
	return &m, nil
}
