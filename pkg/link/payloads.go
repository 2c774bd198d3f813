// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/rpsplc/pkg/rps"
)

// Deterministic encoding keeps encode(decode(x)) stable for round trips
var encMode, _ = cbor.CoreDetEncOptions().EncMode()

var decMode, _ = cbor.DecOptions{
	MaxArrayElements: 256,
	MaxMapPairs:      256,
	MaxNestedLevels:  8,
}.DecMode()

// Establish opens a session (peer → PLC)
type Establish struct {
	Role     Role   `cbor:"0,keyasint"`
	Firmware string `cbor:"1,keyasint,omitempty"`
	Protocol uint8  `cbor:"2,keyasint"`
}

// EstablishAck answers a handshake (PLC → peer)
type EstablishAck struct {
	Result    EstablishResult `cbor:"0,keyasint"`
	SessionID uint32          `cbor:"1,keyasint"`
	Firmware  string          `cbor:"2,keyasint,omitempty"`
}

// KeepAlive proves liveness; the receiver echoes SentMs back as EchoMs
type KeepAlive struct {
	SentMs int64 `cbor:"0,keyasint"`
	EchoMs int64 `cbor:"1,keyasint,omitempty"`
}

// Command is a supervisory command (peer → PLC)
type Command struct {
	Op     CommandOp `cbor:"0,keyasint"`
	Value  float64   `cbor:"1,keyasint,omitempty"`
	Reason string    `cbor:"2,keyasint,omitempty"`
}

// CommandAck reports the outcome of a command (PLC → peer)
type CommandAck struct {
	Op     CommandOp `cbor:"0,keyasint"`
	OK     bool      `cbor:"1,keyasint"`
	Reason string    `cbor:"2,keyasint,omitempty"`

	// Held lists flags a reset could not clear
	Held []string `cbor:"3,keyasint,omitempty"`
}

// Close ends a session
type Close struct {
	Reason string `cbor:"0,keyasint,omitempty"`
}

// FlagReport is one protection flag on the wire
type FlagReport struct {
	Name    string `cbor:"0,keyasint"`
	Latched bool   `cbor:"1,keyasint"`
	Active  bool   `cbor:"2,keyasint"`
}

// PlantState is the PLC runtime state on the wire
type PlantState struct {
	PanelReady        bool `cbor:"0,keyasint"`
	ShutdownRequested bool `cbor:"1,keyasint"`
	Degraded          bool `cbor:"2,keyasint"`
	DeviceFormed      bool `cbor:"3,keyasint"`
	DevicePresent     bool `cbor:"4,keyasint"`
	ModemPresent      bool `cbor:"5,keyasint"`
}

// StatusReport is the periodic status telemetry (PLC → peer)
type StatusReport struct {
	Cycle        uint64             `cbor:"0,keyasint"`
	Tripped      bool               `cbor:"1,keyasint"`
	Cause        string             `cbor:"2,keyasint,omitempty"`
	Flags        []FlagReport       `cbor:"3,keyasint"`
	Sensors      rps.SensorSnapshot `cbor:"4,keyasint"`
	SensorsValid bool               `cbor:"5,keyasint"`
	Plant        PlantState         `cbor:"6,keyasint"`
	BurnEnabled  bool               `cbor:"7,keyasint"`
	BurnRate     float64            `cbor:"8,keyasint"`
	UptimeMs     int64              `cbor:"9,keyasint"`
	Final        bool               `cbor:"10,keyasint,omitempty"`
}

// State returns the aggregate protection state named by the report
func (s StatusReport) State() rps.State {
	if s.Tripped {
		return rps.SafeShutdown
	}
	return rps.Nominal
}

// Latched returns the names of latched flags
func (s StatusReport) Latched() []string {
	var names []string
	for _, f := range s.Flags {
		if f.Latched {
			names = append(names, f.Name)
		}
	}
	return names
}

// FlagReports converts an RPS status into its wire form
func FlagReports(st rps.Status) []FlagReport {
	flags := make([]FlagReport, 0, len(st.Flags))
	for _, f := range st.Flags {
		flags = append(flags, FlagReport{
			Name:    f.Name,
			Latched: f.State == rps.Tripped,
			Active:  f.Active,
		})
	}
	return flags
}

// DecodePayload decodes the packet payload into v.
// Payload decode failures are reported as malformed packets.
func (p *Packet) DecodePayload(v any) error {
	if len(p.Payload) == 0 {
		return &DecodeError{Err: ErrMalformed, Detail: fmt.Sprintf("empty %s payload", p.Kind)}
	}
	if err := decMode.Unmarshal(p.Payload, v); err != nil {
		return &DecodeError{Err: ErrMalformed, Detail: fmt.Sprintf("%s payload: %v", p.Kind, err)}
	}
	return nil
}
