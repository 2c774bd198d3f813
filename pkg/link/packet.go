// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"bytes"
	"fmt"
	"time"
)

// Packet is one decoded or to-be-encoded link packet
type Packet struct {
	Kind      Kind
	SessionID uint32
	Seq       uint32

	// Payload is the raw CBOR payload
	Payload []byte

	// Authenticated is set by Decode when the packet carried a valid tag
	Authenticated bool

	// Timestamp is the decode time (zero for outbound packets)
	Timestamp time.Time
}

// NewPacket creates a packet whose payload is the CBOR encoding of v.
// A nil v produces an empty payload.
func NewPacket(kind Kind, v any) (*Packet, error) {
	p := &Packet{Kind: kind}
	if v == nil {
		return p, nil
	}

	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %s payload is %d bytes (max %d)", ErrPayloadTooLarge, kind, len(data), MaxPayloadSize)
	}
	p.Payload = data
	return p, nil
}

// Stamp sets the session id and sequence number and returns p
func (p *Packet) Stamp(sessionID, seq uint32) *Packet {
	p.SessionID = sessionID
	p.Seq = seq
	return p
}

// Equal compares the wire-visible fields of two packets
func (p *Packet) Equal(o *Packet) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Kind == o.Kind &&
		p.SessionID == o.SessionID &&
		p.Seq == o.Seq &&
		bytes.Equal(p.Payload, o.Payload)
}
