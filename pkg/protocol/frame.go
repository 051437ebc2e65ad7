package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	// MaxPayloadBytes is the hard cap on a single frame payload (16 MiB).
	MaxPayloadBytes = 16 * 1024 * 1024

	// HeaderSize is the length-prefix size in bytes.
	HeaderSize = 4
)

// FrameError is a framing-level failure. Framing errors are fatal for the
// connection they occur on.
type FrameError struct {
	Code    string
	Message string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrPayloadTooLarge reports a frame exceeding MaxPayloadBytes.
func ErrPayloadTooLarge(n int) *FrameError {
	return &FrameError{
		Code:    "PAYLOAD_TOO_LARGE",
		Message: fmt.Sprintf("payload %d bytes exceeds limit %d", n, MaxPayloadBytes),
	}
}

// WriteFrame encodes v as JSON and writes one framed message. The caller
// must serialize concurrent writes to the same writer.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return WriteRawFrame(w, payload)
}

// WriteRawFrame writes pre-encoded JSON as one framed message.
func WriteRawFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge(len(payload))
	}
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one framed message and returns the raw JSON payload.
// It blocks until the full header and payload have been consumed.
//
// A zero length or an oversize length is returned as a *FrameError; both
// leave the stream unusable.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, &FrameError{Code: "PROTOCOL_ERROR", Message: "zero-length frame"}
	}
	if length > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge(int(length))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// DecodeEnvelope parses the common fields of a raw frame. A missing type
// field or unparseable body is a *FrameError with code MALFORMED_JSON.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, &FrameError{Code: "MALFORMED_JSON", Message: err.Error()}
	}
	if env.Type == "" {
		return Envelope{}, &FrameError{Code: "MALFORMED_JSON", Message: "missing type field"}
	}
	return env, nil
}
