// Package codec implements VoidLux's P2P wire format (§4.1): a
// 4-byte big-endian length-prefixed frame wrapping a self-describing
// MessagePack-encoded envelope. The envelope carries a typed 16-bit
// opcode and an opcode-specific payload; callers never see an
// untyped map (§9 design note).
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// MaxFrameSize is the largest payload VoidLux will decode; larger
// frames are a protocol violation (§4.1).
const MaxFrameSize = 16 * 1024 * 1024

// lengthPrefixSize is the byte width of the frame's length prefix.
const lengthPrefixSize = 4

var mpHandle codec.MsgpackHandle

// Envelope is the outer wire shape: an opcode plus its
// already-msgpack-encoded payload.
type Envelope struct {
	Type    Opcode
	Payload []byte
}

// Encode marshals payload with msgpack, wraps it in an Envelope with
// the given opcode, then frames the result with a 4-byte big-endian
// length prefix.
func Encode(op Opcode, payload interface{}) ([]byte, error) {
	var payloadBuf bytes.Buffer
	enc := codec.NewEncoder(&payloadBuf, &mpHandle)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("codec: encode payload for %s: %w", op, err)
	}

	env := Envelope{Type: op, Payload: payloadBuf.Bytes()}

	var envBuf bytes.Buffer
	envEnc := codec.NewEncoder(&envBuf, &mpHandle)
	if err := envEnc.Encode(env); err != nil {
		return nil, fmt.Errorf("codec: encode envelope for %s: %w", op, err)
	}

	body := envBuf.Bytes()
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("codec: frame of %d bytes exceeds max %d", len(body), MaxFrameSize)
	}

	frame := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(body)))
	copy(frame[lengthPrefixSize:], body)
	return frame, nil
}

// DecodeEnvelope unmarshals a framed body (the bytes after the length
// prefix, as extracted by a FrameReader) into an Envelope.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	dec := codec.NewDecoder(bytes.NewReader(body), &mpHandle)
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("codec: decode envelope: %w", err)
	}
	return env, nil
}

// DecodePayload unmarshals an envelope's Payload into dst, which must
// be a pointer to the struct matching env.Type.
func DecodePayload(env Envelope, dst interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(env.Payload), &mpHandle)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("codec: decode payload for %s: %w", env.Type, err)
	}
	return nil
}
