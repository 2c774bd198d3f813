// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Packet builder functions create Packet structs ready for stamping and
// encoding. Session id and sequence number are assigned by the session
// layer via Packet.Stamp.

// NewEstablish creates an ESTABLISH packet (0x01)
func NewEstablish(role Role, firmware string) *Packet {
	return mustPacket(KindEstablish, Establish{
		Role:     role,
		Firmware: clip(firmware, MaxFirmwareSize),
		Protocol: ProtocolVersion,
	})
}

// NewEstablishAck creates an ESTABLISH_ACK packet (0x02).
// sessionID is zero unless result is EstablishAllow.
func NewEstablishAck(result EstablishResult, sessionID uint32, firmware string) *Packet {
	return mustPacket(KindEstablishAck, EstablishAck{
		Result:    result,
		SessionID: sessionID,
		Firmware:  clip(firmware, MaxFirmwareSize),
	})
}

// NewKeepAlive creates a KEEP_ALIVE packet (0x03).
// echoMs is the SentMs of the keep-alive being answered, or zero.
func NewKeepAlive(sentMs, echoMs int64) *Packet {
	return mustPacket(KindKeepAlive, KeepAlive{SentMs: sentMs, EchoMs: echoMs})
}

// NewStatus creates a STATUS packet (0x10).
//
// A report whose flag table does not fit is compacted: first to the flags
// that are latched or active, then to none. Tripped and Cause always
// survive.
func NewStatus(report StatusReport) (*Packet, error) {
	report.Cause = clip(report.Cause, MaxReasonSize)

	p, err := NewPacket(KindStatus, report)
	if !errors.Is(err, ErrPayloadTooLarge) {
		return p, err
	}

	var raised []FlagReport
	for _, f := range report.Flags {
		if f.Latched || f.Active {
			raised = append(raised, f)
		}
	}
	report.Flags = raised
	p, err = NewPacket(KindStatus, report)
	if !errors.Is(err, ErrPayloadTooLarge) {
		return p, err
	}

	report.Flags = nil
	return NewPacket(KindStatus, report)
}

// NewCommand creates a COMMAND packet (0x20)
func NewCommand(op CommandOp, value float64, reason string) *Packet {
	return mustPacket(KindCommand, Command{Op: op, Value: value, Reason: clip(reason, MaxReasonSize)})
}

// NewCommandAck creates a COMMAND_ACK packet (0x21). The held list is
// dropped if it does not fit.
func NewCommandAck(ack CommandAck) (*Packet, error) {
	ack.Reason = clip(ack.Reason, MaxReasonSize)

	p, err := NewPacket(KindCommandAck, ack)
	if !errors.Is(err, ErrPayloadTooLarge) {
		return p, err
	}
	ack.Held = nil
	return NewPacket(KindCommandAck, ack)
}

// NewClose creates a CLOSE packet (0x30)
func NewClose(reason string) *Packet {
	return mustPacket(KindClose, Close{Reason: clip(reason, MaxReasonSize)})
}

// mustPacket panics on encoding error. Only builders whose payloads are
// fixed-size or clipped use it.
func mustPacket(kind Kind, v any) *Packet {
	p, err := NewPacket(kind, v)
	if err != nil {
		panic(fmt.Sprintf("link: encode error: %v", err))
	}
	return p
}

// clip shortens s to at most n bytes without splitting a UTF-8 sequence
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
