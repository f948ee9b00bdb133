// Package frame implements CLASP's binary frame codec (§4.1): a 4- or
// 12-octet header followed by a MessagePack-encoded message object.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const Magic byte = 0x53

// DefaultMaxPayload is the default PayloadTooLarge threshold (1 MiB, §4.1).
const DefaultMaxPayload = 1 << 20

// QoS is the frame's delivery guarantee: Fire (no ack), Confirm (ack after
// local apply), Commit (ack after all atomic effects, including
// persistence).
type QoS uint8

const (
	QoSFire QoS = iota
	QoSConfirm
	QoSCommit
)

// Flags carries the frame's wire-level flag byte (byte 1 of the header).
type Flags struct {
	QoS          QoS
	HasTimestamp bool
	Encrypted    bool
	Compressed   bool
}

func (f Flags) encode() byte {
	var b byte
	b |= byte(f.QoS) << 6
	if f.HasTimestamp {
		b |= 1 << 5
	}
	if f.Encrypted {
		b |= 1 << 4
	}
	if f.Compressed {
		b |= 1 << 3
	}
	return b
}

func decodeFlags(b byte) Flags {
	return Flags{
		QoS:          QoS((b >> 6) & 0x3),
		HasTimestamp: b&(1<<5) != 0,
		Encrypted:    b&(1<<4) != 0,
		Compressed:   b&(1<<3) != 0,
	}
}

// Errors returned by Decode, matching the §7 error taxonomy.
var (
	ErrBadMagic        = errors.New("frame: bad magic byte")
	ErrTruncatedFrame  = errors.New("frame: truncated")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrBadPayload      = errors.New("frame: payload is not a valid message")
)

// EncodingFailed wraps an underlying msgpack encode error (§4.1).
type EncodingFailed struct{ Err error }

func (e *EncodingFailed) Error() string { return fmt.Sprintf("frame: encoding failed: %v", e.Err) }
func (e *EncodingFailed) Unwrap() error { return e.Err }

// Options configures Encode.
type Options struct {
	Flags        Flags
	TimestampUs  uint64
	MaxPayload   int // 0 means DefaultMaxPayload
}

// Encode serializes a Message into a framed byte slice, tagging the
// MessagePack payload with its "type" discriminator (§4.1, §9).
func Encode(message Message, opts Options) ([]byte, error) {
	payload, err := marshalTagged(message)
	if err != nil {
		return nil, &EncodingFailed{Err: err}
	}
	max := opts.MaxPayload
	if max == 0 {
		max = DefaultMaxPayload
	}
	if len(payload) > max || len(payload) > 0xFFFF {
		return nil, ErrPayloadTooLarge
	}

	flags := opts.Flags
	headerLen := 4
	if flags.HasTimestamp {
		headerLen = 12
	}
	out := make([]byte, headerLen+len(payload))
	out[0] = Magic
	out[1] = flags.encode()
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	if flags.HasTimestamp {
		binary.BigEndian.PutUint64(out[4:12], opts.TimestampUs)
	}
	copy(out[headerLen:], payload)
	return out, nil
}

// Decoded is the result of a successful Decode.
type Decoded struct {
	Flags       Flags
	TimestampUs uint64 // valid iff Flags.HasTimestamp
	Payload     []byte // raw msgpack payload, for callers that want to decode lazily
}

// Decode parses a framed byte slice's header and returns the raw payload
// bytes; callers decode the payload into a Message via DecodeMessage.
func Decode(data []byte, maxPayload int) (Decoded, error) {
	if len(data) < 4 {
		return Decoded{}, ErrTruncatedFrame
	}
	if data[0] != Magic {
		return Decoded{}, ErrBadMagic
	}
	flags := decodeFlags(data[1])
	payloadLen := int(binary.BigEndian.Uint16(data[2:4]))

	headerLen := 4
	if flags.HasTimestamp {
		headerLen = 12
	}
	if len(data) < headerLen {
		return Decoded{}, ErrTruncatedFrame
	}

	max := maxPayload
	if max == 0 {
		max = DefaultMaxPayload
	}
	if payloadLen > max {
		return Decoded{}, ErrPayloadTooLarge
	}
	if len(data) < headerLen+payloadLen {
		return Decoded{}, ErrTruncatedFrame
	}

	d := Decoded{Flags: flags}
	if flags.HasTimestamp {
		d.TimestampUs = binary.BigEndian.Uint64(data[4:12])
	}
	d.Payload = data[headerLen : headerLen+payloadLen]
	return d, nil
}

// DecodeMessage unmarshals a Decoded frame's payload into a Message,
// selecting the variant by the payload's "type" field.
func DecodeMessage(d Decoded) (Message, error) {
	msg, err := decodeMessage(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return msg, nil
}
