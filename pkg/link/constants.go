// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package link implements the supervisory link protocol spoken between the
// PLC and its remote supervisors.
//
// Every packet is a byte-stuffed frame carrying a fixed header, a CBOR
// payload, an optional keyed BLAKE2b authentication tag, and a CRC-16-CCITT
// trailer. The same framing runs over datagram transports (UDP, WebSocket)
// and byte streams (serial), where a Framer recovers frame boundaries.
package link

// Protocol framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// ProtocolVersion is the only frame version this package speaks
const ProtocolVersion = 1

// Packet size limits
const (
	HeaderSize     = 13 // version + kind + flags + session(4) + seq(4) + length(2)
	TagSize        = 32
	CRCSize        = 2
	MaxPayloadSize = 1024
	MaxBodySize    = HeaderSize + MaxPayloadSize + TagSize + CRCSize
	MaxFrameSize   = 2*MaxBodySize + 2 // worst case stuffing plus delimiters
	MaxKeySize     = 64
)

// Free-text field limits. Builders clip longer strings.
const (
	MaxReasonSize   = 128
	MaxFirmwareSize = 64
)

// Header flags
const (
	FlagAuth = 0x01
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Kind is the packet discriminant
type Kind uint8

// Packet kinds - session management 0x01-0x0F
const (
	KindEstablish    Kind = 0x01
	KindEstablishAck Kind = 0x02
	KindKeepAlive    Kind = 0x03
)

// Packet kinds - telemetry 0x10-0x1F
const (
	KindStatus Kind = 0x10
)

// Packet kinds - commands 0x20-0x2F
const (
	KindCommand    Kind = 0x20
	KindCommandAck Kind = 0x21
)

// Packet kinds - teardown 0x30-0x3F
const (
	KindClose Kind = 0x30
)

// KnownKind reports whether k is a defined packet kind
func KnownKind(k Kind) bool {
	switch k {
	case KindEstablish, KindEstablishAck, KindKeepAlive,
		KindStatus, KindCommand, KindCommandAck, KindClose:
		return true
	}
	return false
}

// String returns the wire name of the kind
func (k Kind) String() string {
	switch k {
	case KindEstablish:
		return "ESTABLISH"
	case KindEstablishAck:
		return "ESTABLISH_ACK"
	case KindKeepAlive:
		return "KEEP_ALIVE"
	case KindStatus:
		return "STATUS"
	case KindCommand:
		return "COMMAND"
	case KindCommandAck:
		return "COMMAND_ACK"
	case KindClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Role identifies what a peer intends to do with the session
type Role uint8

// Peer roles
const (
	RoleSupervisor Role = 0x01 // may issue commands
	RoleMonitor    Role = 0x02 // status only
)

func (r Role) String() string {
	switch r {
	case RoleSupervisor:
		return "supervisor"
	case RoleMonitor:
		return "monitor"
	default:
		return "unknown"
	}
}

// EstablishResult is the PLC's answer to a handshake
type EstablishResult uint8

// Handshake results
const (
	EstablishAllow      EstablishResult = 0x00
	EstablishDeny       EstablishResult = 0x01
	EstablishCollision  EstablishResult = 0x02
	EstablishBadVersion EstablishResult = 0x03
)

func (r EstablishResult) String() string {
	switch r {
	case EstablishAllow:
		return "allow"
	case EstablishDeny:
		return "deny"
	case EstablishCollision:
		return "collision"
	case EstablishBadVersion:
		return "bad_version"
	default:
		return "unknown"
	}
}

// CommandOp is a supervisory command
type CommandOp uint8

// Command operations
const (
	OpScram       CommandOp = 0x01
	OpReset       CommandOp = 0x02
	OpSetBurnRate CommandOp = 0x03
	OpEnableBurn  CommandOp = 0x04
)

func (o CommandOp) String() string {
	switch o {
	case OpScram:
		return "scram"
	case OpReset:
		return "reset"
	case OpSetBurnRate:
		return "set_burn_rate"
	case OpEnableBurn:
		return "enable_burn"
	default:
		return "unknown"
	}
}

// ParseCommandOp maps a command name to its operation
func ParseCommandOp(name string) (CommandOp, bool) {
	for _, op := range []CommandOp{OpScram, OpReset, OpSetBurnRate, OpEnableBurn} {
		if op.String() == name {
			return op, true
		}
	}
	return 0, false
}
