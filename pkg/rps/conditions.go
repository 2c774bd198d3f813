// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rps

import "fmt"

// Built-in protection flags
const (
	FlagManual      = "manual"
	FlagLinkLoss    = "link_loss"
	FlagDeviceFault = "device_fault"
	FlagTimeout     = "timeout"
)

// Condition table limits. A status report carrying every built-in and
// configured flag at these limits fits in one link payload.
const (
	MaxConditions    = 16
	MaxConditionName = 32
)

// Default process protection flags
const (
	FlagHighTemp   = "high_temp"
	FlagHighDamage = "high_damage"
	FlagLowCoolant = "low_coolant"
	FlagHighWaste  = "high_waste"
	FlagNoFuel     = "no_fuel"
)

// Inputs is everything a predicate may look at during one cycle
type Inputs struct {
	Sensors      SensorSnapshot
	SensorsValid bool
	Present      bool
	Formed       bool
	Manual       bool
	LinkLoss     bool
	Stale        bool
	StopFailed   bool
}

// Predicate returns true when the protected condition is violated
type Predicate func(in Inputs) bool

// Condition is a named protection predicate
type Condition struct {
	Name      string
	Process   bool
	Predicate Predicate
}

// Op is a threshold comparison operator
type Op string

// Comparison operators
const (
	OpGT Op = ">"
	OpGE Op = ">="
	OpLT Op = "<"
	OpLE Op = "<="
)

// Compare applies the operator to value and threshold
func (o Op) Compare(value, threshold float64) (bool, error) {
	switch o {
	case OpGT:
		return value > threshold, nil
	case OpGE:
		return value >= threshold, nil
	case OpLT:
		return value < threshold, nil
	case OpLE:
		return value <= threshold, nil
	default:
		return false, fmt.Errorf("unknown operator %q", string(o))
	}
}

// ValidOp reports whether o is a known operator
func ValidOp(o Op) bool {
	_, err := o.Compare(0, 0)
	return err == nil
}

// Threshold builds a process condition comparing one sensor field against a
// threshold. When the sensor sample is invalid the condition reports unsafe.
func Threshold(name, field string, op Op, threshold float64) (Condition, error) {
	if name == "" {
		return Condition{}, fmt.Errorf("condition name required")
	}
	if !KnownField(field) {
		return Condition{}, fmt.Errorf("condition %q: unknown field %q", name, field)
	}
	if !ValidOp(op) {
		return Condition{}, fmt.Errorf("condition %q: unknown operator %q", name, string(op))
	}

	return Condition{
		Name:    name,
		Process: true,
		Predicate: func(in Inputs) bool {
			if !in.SensorsValid {
				return true
			}
			value, _ := in.Sensors.Field(field)
			violated, _ := op.Compare(value, threshold)
			return violated
		},
	}, nil
}

// DefaultConditions returns the stock process condition table
func DefaultConditions() []Condition {
	table := []struct {
		name      string
		field     string
		op        Op
		threshold float64
	}{
		{FlagHighTemp, FieldTemperature, OpGE, 1200},
		{FlagHighDamage, FieldDamage, OpGE, 90},
		{FlagLowCoolant, FieldCoolantFill, OpLT, 0.10},
		{FlagHighWaste, FieldWasteFill, OpGT, 0.95},
		{FlagNoFuel, FieldFuelFill, OpLE, 0},
	}

	conditions := make([]Condition, 0, len(table))
	for _, c := range table {
		cond, err := Threshold(c.name, c.field, c.op, c.threshold)
		if err != nil {
			panic(fmt.Sprintf("rps: bad default condition: %v", err))
		}
		conditions = append(conditions, cond)
	}
	return conditions
}

// builtinConditions are always evaluated ahead of the process table
func builtinConditions() []Condition {
	return []Condition{
		{Name: FlagManual, Predicate: func(in Inputs) bool { return in.Manual }},
		{Name: FlagLinkLoss, Predicate: func(in Inputs) bool { return in.LinkLoss }},
		{Name: FlagDeviceFault, Predicate: func(in Inputs) bool {
			return !in.Present || !in.Formed || !in.SensorsValid || in.StopFailed
		}},
		{Name: FlagTimeout, Predicate: func(in Inputs) bool { return in.Stale }},
	}
}

// IsBuiltin reports whether name is reserved for a built-in flag
func IsBuiltin(name string) bool {
	for _, c := range builtinConditions() {
		if c.Name == name {
			return true
		}
	}
	return false
}
