// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rps

import "time"

// FlagState is the latch state of one protection flag
type FlagState uint8

// Flag states
const (
	Clear FlagState = iota
	Tripped
)

func (s FlagState) String() string {
	if s == Tripped {
		return "TRIPPED"
	}
	return "CLEAR"
}

// State is the aggregate protection state
type State uint8

// Aggregate states
const (
	Nominal State = iota
	SafeShutdown
)

func (s State) String() string {
	if s == SafeShutdown {
		return "SAFE_SHUTDOWN"
	}
	return "NOMINAL"
}

// FlagStatus reports one flag
type FlagStatus struct {
	Name  string    `json:"name" cbor:"0,keyasint"`
	State FlagState `json:"state" cbor:"1,keyasint"`

	// Active is the predicate value from the most recent evaluation
	Active bool `json:"active" cbor:"2,keyasint"`

	// Since is when the flag latched (zero when clear)
	Since time.Time `json:"since,omitempty" cbor:"3,keyasint,omitempty"`
}

// Status is the ProtectionStatus published after every evaluation
type Status struct {
	Flags   []FlagStatus `json:"flags"`
	Tripped bool         `json:"tripped"`
	State   State        `json:"state"`

	// Cause is the first flag that latched in the current trip
	Cause string    `json:"cause,omitempty"`
	Cycle uint64    `json:"cycle"`
	At    time.Time `json:"at"`
}

// Flag returns the named flag
func (s Status) Flag(name string) (FlagStatus, bool) {
	for _, f := range s.Flags {
		if f.Name == name {
			return f, true
		}
	}
	return FlagStatus{}, false
}

// IsSet reports whether the named flag is latched
func (s Status) IsSet(name string) bool {
	f, ok := s.Flag(name)
	return ok && f.State == Tripped
}

// Latched returns the names of all latched flags
func (s Status) Latched() []string {
	var names []string
	for _, f := range s.Flags {
		if f.State == Tripped {
			names = append(names, f.Name)
		}
	}
	return names
}

// Report is the immutable result of one RPS cycle
type Report struct {
	Status       Status         `json:"status"`
	Sensors      SensorSnapshot `json:"sensors"`
	SensorsValid bool           `json:"sensors_valid"`

	// StopIssued is true when this cycle sent a stop command
	StopIssued bool `json:"stop_issued"`
}
