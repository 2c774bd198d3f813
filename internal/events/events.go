// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package events carries controller status transitions and faults to the
// front panel, the log and external sinks.
package events

import "time"

// EventType identifies the kind of event emitted by the controller.
type EventType int

const (
	// Lifecycle events
	EventControllerStarted EventType = iota + 1
	EventControllerStopping

	// RPS events
	EventRPSTripped
	EventRPSCleared
	EventRPSResetRefused
	EventDeviceFault

	// Link events
	EventLinkUp
	EventLinkDown
	EventLinkRejected

	// Setpoint events
	EventSetpointChanged
	EventCommandRejected
)

var eventNames = map[EventType]string{
	EventControllerStarted:  "controller.started",
	EventControllerStopping: "controller.stopping",
	EventRPSTripped:         "rps.tripped",
	EventRPSCleared:         "rps.cleared",
	EventRPSResetRefused:    "rps.reset_refused",
	EventDeviceFault:        "device.fault",
	EventLinkUp:             "link.up",
	EventLinkDown:           "link.down",
	EventLinkRejected:       "link.rejected",
	EventSetpointChanged:    "setpoint.changed",
	EventCommandRejected:    "command.rejected",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is the envelope emitted by the EventBus.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// LifecycleEvent is emitted when the controller starts or stops.
type LifecycleEvent struct {
	Reason string `json:"reason,omitempty"`
}

// TripEvent is emitted when protection flags latch.
type TripEvent struct {
	Latched []string `json:"latched"`
	All     []string `json:"all"`
	Cause   string   `json:"cause"`
	Cycle   uint64   `json:"cycle"`
}

// ResetEvent is emitted after a reset request.
type ResetEvent struct {
	Cleared []string `json:"cleared,omitempty"`
	Held    []string `json:"held,omitempty"`
	Tripped bool     `json:"tripped"`
}

// DeviceFaultEvent is emitted on controlled-unit faults.
type DeviceFaultEvent struct {
	Error string `json:"error"`
}

// LinkEvent is emitted when a session comes up or goes down.
type LinkEvent struct {
	Peer      string `json:"peer"`
	SessionID uint32 `json:"session_id"`
	Role      string `json:"role,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// LinkRejectEvent is emitted when an inbound packet or handshake is refused.
type LinkRejectEvent struct {
	Peer   string `json:"peer"`
	Reason string `json:"reason"`
}

// SetpointEvent is emitted when the setpoints change.
type SetpointEvent struct {
	BurnEnabled bool    `json:"burn_enabled"`
	BurnRate    float64 `json:"burn_rate"`
	Source      string  `json:"source"`
}

// CommandRejectEvent is emitted when a command is refused.
type CommandRejectEvent struct {
	Command string `json:"command"`
	Source  string `json:"source"`
	Reason  string `json:"reason"`
}
