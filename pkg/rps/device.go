// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rps

import (
	"context"
	"errors"
)

var (
	// ErrDeviceAbsent is returned by NullDevice for every device operation
	ErrDeviceAbsent = errors.New("controlled device absent")

	// ErrDeviceFault wraps peripheral read and command failures
	ErrDeviceFault = errors.New("controlled device fault")
)

// SensorSnapshot is one sample of the controlled unit's process values
type SensorSnapshot struct {
	Temperature       float64 `json:"temperature" cbor:"0,keyasint"`         // kelvin
	Damage            float64 `json:"damage" cbor:"1,keyasint"`              // percent
	CoolantFill       float64 `json:"coolant_fill" cbor:"2,keyasint"`        // 0..1
	HeatedCoolantFill float64 `json:"heated_coolant_fill" cbor:"3,keyasint"` // 0..1
	FuelFill          float64 `json:"fuel_fill" cbor:"4,keyasint"`           // 0..1
	WasteFill         float64 `json:"waste_fill" cbor:"5,keyasint"`          // 0..1
	BurnRate          float64 `json:"burn_rate" cbor:"6,keyasint"`           // actual burn rate
	Active            bool    `json:"active" cbor:"7,keyasint"`
}

// Sensor field names usable in condition tables
const (
	FieldTemperature       = "temperature"
	FieldDamage            = "damage"
	FieldCoolantFill       = "coolant_fill"
	FieldHeatedCoolantFill = "heated_coolant_fill"
	FieldFuelFill          = "fuel_fill"
	FieldWasteFill         = "waste_fill"
	FieldBurnRate          = "burn_rate"
)

// Field returns the named process value
func (s SensorSnapshot) Field(name string) (float64, bool) {
	switch name {
	case FieldTemperature:
		return s.Temperature, true
	case FieldDamage:
		return s.Damage, true
	case FieldCoolantFill:
		return s.CoolantFill, true
	case FieldHeatedCoolantFill:
		return s.HeatedCoolantFill, true
	case FieldFuelFill:
		return s.FuelFill, true
	case FieldWasteFill:
		return s.WasteFill, true
	case FieldBurnRate:
		return s.BurnRate, true
	default:
		return 0, false
	}
}

// KnownField reports whether name is a valid sensor field
func KnownField(name string) bool {
	_, ok := SensorSnapshot{}.Field(name)
	return ok
}

// Device is the capability contract of a controlled unit.
//
// Implementations must be safe to call from the RPS task and the setpoint
// task concurrently.
type Device interface {
	// ReadSensors samples the unit's process values
	ReadSensors(ctx context.Context) (SensorSnapshot, error)

	// IsPresent reports whether the unit is connected
	IsPresent() bool

	// IsFormed reports whether the unit is assembled and controllable
	IsFormed() bool

	// Stop commands the unit to stop (SCRAM)
	Stop(ctx context.Context) error

	// Start commands the unit to run
	Start(ctx context.Context) error

	// SetBurnRate writes the burn-rate setpoint
	SetBurnRate(ctx context.Context, rate float64) error

	// Status reports whether the unit is running
	Status(ctx context.Context) (bool, error)
}

// NullDevice stands in for an absent controlled unit.
//
// Reads fail with ErrDeviceAbsent so every process condition reports unsafe.
// Stop succeeds because there is nothing to stop.
type NullDevice struct{}

// ReadSensors always fails
func (NullDevice) ReadSensors(context.Context) (SensorSnapshot, error) {
	return SensorSnapshot{}, ErrDeviceAbsent
}

// IsPresent always returns false
func (NullDevice) IsPresent() bool { return false }

// IsFormed always returns false
func (NullDevice) IsFormed() bool { return false }

// Stop is a no-op
func (NullDevice) Stop(context.Context) error { return nil }

// Start always fails
func (NullDevice) Start(context.Context) error { return ErrDeviceAbsent }

// SetBurnRate always fails
func (NullDevice) SetBurnRate(context.Context, float64) error { return ErrDeviceAbsent }

// Status reports a stopped unit
func (NullDevice) Status(context.Context) (bool, error) { return false, nil }
