// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Decode error classes. Every decode failure wraps exactly one of these.
var (
	ErrMalformed       = errors.New("malformed packet")
	ErrUnknownKind     = errors.New("unknown packet kind")
	ErrAuthFailed      = errors.New("packet authentication failed")
	ErrVersionMismatch = errors.New("protocol version mismatch")
)

// DecodeError describes why a frame was rejected
type DecodeError struct {
	Err    error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(class error, format string, args ...any) error {
	return &DecodeError{Err: class, Detail: fmt.Sprintf(format, args...)}
}

// Decoder decodes frames under a fixed key
type Decoder struct {
	key []byte
}

// NewDecoder creates a decoder for key. An empty key accepts only
// unauthenticated packets.
func NewDecoder(key []byte) (*Decoder, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return &Decoder{key: append([]byte(nil), key...)}, nil
}

// Decode decodes one frame
func (d *Decoder) Decode(frame []byte) (*Packet, error) {
	return Decode(frame, d.key)
}

// Decode parses one complete frame (START through END).
//
// Checks run in order: framing and CRC (Malformed), version
// (VersionMismatch), header and length (Malformed), tag (AuthFailed), then
// kind (UnknownKind). Decode never panics on arbitrary input.
func Decode(frame []byte, key []byte) (*Packet, error) {
	if len(frame) < 2 || frame[0] != StartByte || frame[len(frame)-1] != EndByte {
		return nil, decodeErr(ErrMalformed, "missing frame delimiters")
	}
	if len(frame) > MaxFrameSize {
		return nil, decodeErr(ErrMalformed, "frame too large: %d bytes", len(frame))
	}

	inner := frame[1 : len(frame)-1]
	for _, b := range inner {
		if b == StartByte || b == EndByte {
			return nil, decodeErr(ErrMalformed, "unescaped delimiter 0x%02X inside frame", b)
		}
	}

	body, err := UnstuffBytes(inner)
	if err != nil {
		return nil, decodeErr(ErrMalformed, "%v", err)
	}
	if len(body) < HeaderSize+CRCSize {
		return nil, decodeErr(ErrMalformed, "short frame: %d bytes", len(body))
	}

	crcAt := len(body) - CRCSize
	received := uint16(body[crcAt])<<8 | uint16(body[crcAt+1])
	body = body[:crcAt]
	if calculated := CalculateCRC(body); calculated != received {
		return nil, decodeErr(ErrMalformed, "CRC mismatch: expected 0x%04X, got 0x%04X", calculated, received)
	}

	if body[0] != ProtocolVersion {
		return nil, decodeErr(ErrVersionMismatch, "version %d (want %d)", body[0], ProtocolVersion)
	}

	kind := Kind(body[1])
	flags := body[2]
	if flags&^FlagAuth != 0 {
		return nil, decodeErr(ErrMalformed, "unknown flags 0x%02X", flags)
	}

	sessionID := binary.LittleEndian.Uint32(body[3:7])
	seq := binary.LittleEndian.Uint32(body[7:11])
	payloadLen := int(binary.LittleEndian.Uint16(body[11:13]))
	if payloadLen > MaxPayloadSize {
		return nil, decodeErr(ErrMalformed, "invalid length: %d (max %d)", payloadLen, MaxPayloadSize)
	}

	hasTag := flags&FlagAuth != 0
	want := HeaderSize + payloadLen
	if hasTag {
		want += TagSize
	}
	if len(body) != want {
		return nil, decodeErr(ErrMalformed, "length mismatch: header says %d, frame has %d", want, len(body))
	}

	signed := body[:HeaderSize+payloadLen]
	switch {
	case len(key) > 0 && !hasTag:
		return nil, decodeErr(ErrAuthFailed, "tag missing")
	case len(key) == 0 && hasTag:
		return nil, decodeErr(ErrAuthFailed, "unexpected tag on unauthenticated link")
	case hasTag && !VerifyTag(key, signed, body[HeaderSize+payloadLen:]):
		return nil, decodeErr(ErrAuthFailed, "tag mismatch")
	}

	if !KnownKind(kind) {
		return nil, decodeErr(ErrUnknownKind, "0x%02X", uint8(kind))
	}

	p := &Packet{
		Kind:          kind,
		SessionID:     sessionID,
		Seq:           seq,
		Authenticated: hasTag,
		Timestamp:     time.Now(),
	}
	if payloadLen > 0 {
		p.Payload = append([]byte(nil), body[HeaderSize:HeaderSize+payloadLen]...)
	}
	return p, nil
}
