// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize
var ErrPayloadTooLarge = errors.New("payload too large")

// Encoder encodes packets for transmission under a fixed key.
// An empty key produces unauthenticated packets.
type Encoder struct {
	key []byte
}

// NewEncoder creates an encoder for key
func NewEncoder(key []byte) (*Encoder, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return &Encoder{key: append([]byte(nil), key...)}, nil
}

// Encode encodes p to wire format
func (e *Encoder) Encode(p *Packet) ([]byte, error) {
	return Encode(p, e.key)
}

// Encode creates a complete wire-formatted packet, including framing and
// byte stuffing. The kind is not validated so that any discriminant can be
// put on the wire.
func Encode(p *Packet, key []byte) ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(p.Payload), MaxPayloadSize)
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	var flags byte
	if len(key) > 0 {
		flags |= FlagAuth
	}

	body := make([]byte, HeaderSize, HeaderSize+len(p.Payload)+TagSize+CRCSize)
	body[0] = ProtocolVersion
	body[1] = byte(p.Kind)
	body[2] = flags
	binary.LittleEndian.PutUint32(body[3:7], p.SessionID)
	binary.LittleEndian.PutUint32(body[7:11], p.Seq)
	binary.LittleEndian.PutUint16(body[11:13], uint16(len(p.Payload)))
	body = append(body, p.Payload...)

	if flags&FlagAuth != 0 {
		tag, err := ComputeTag(key, body)
		if err != nil {
			return nil, err
		}
		body = append(body, tag...)
	}

	// CRC covers the whole body including the tag (big-endian trailer)
	crc := CalculateCRC(body)
	body = append(body, byte(crc>>8), byte(crc&0xFF))

	return frame(body), nil
}

// frame stuffs body and wraps it in START/END delimiters
func frame(body []byte) []byte {
	stuffed := stuffBytes(body)
	packet := make([]byte, 0, len(stuffed)+2)
	packet = append(packet, StartByte)
	packet = append(packet, stuffed...)
	packet = append(packet, EndByte)
	return packet
}

// stuffBytes applies byte stuffing to escape special bytes.
// Special bytes (START, END, ESC) are replaced with ESC + (byte XOR EscXor).
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)

	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}

	return result
}

// UnstuffBytes removes byte stuffing from escaped data.
// This is the inverse of stuffBytes.
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		if escapeNext {
			result = append(result, b^EscXor)
			escapeNext = false
		} else if b == EscByte {
			escapeNext = true
		} else {
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, fmt.Errorf("incomplete escape sequence at end of data")
	}

	return result, nil
}
