// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package plc

import (
	"time"

	"github.com/Thermoquad/rpsplc/internal/comms"
	"github.com/Thermoquad/rpsplc/pkg/link"
	"github.com/Thermoquad/rpsplc/pkg/rps"
)

// PlantState is the aggregate runtime state of the controller.
// It is written by the startup sequence and the main loop only.
type PlantState struct {
	PanelReady        bool `json:"panel_ready"`
	ShutdownRequested bool `json:"shutdown_requested"`
	Degraded          bool `json:"degraded"`
	DeviceFormed      bool `json:"device_formed"`
	DevicePresent     bool `json:"device_present"`
	ModemPresent      bool `json:"modem_present"`
}

// Setpoints are the operator targets. Written only by the setpoint task.
type Setpoints struct {
	BurnEnabled bool      `json:"burn_enabled"`
	BurnRate    float64   `json:"burn_rate"`
	Source      string    `json:"source,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`

	// Generation increments on every change. The RPS task only starts the
	// unit for an enable newer than its last trip.
	Generation uint64 `json:"generation"`
}

// Snapshot is a consistent read of everything the controller publishes
type Snapshot struct {
	Status       rps.Status         `json:"status"`
	Sensors      rps.SensorSnapshot `json:"sensors"`
	SensorsValid bool               `json:"sensors_valid"`
	Plant        PlantState         `json:"plant"`
	Setpoints    Setpoints          `json:"setpoints"`
	Networked    bool               `json:"networked"`
	Link         *comms.LinkState   `json:"link,omitempty"`
	Firmware     string             `json:"firmware"`
	StartedAt    time.Time          `json:"started_at"`
	Uptime       time.Duration      `json:"uptime_ns"`
}

// StatusReport converts the snapshot to its wire form
func (s Snapshot) StatusReport() link.StatusReport {
	return link.StatusReport{
		Cycle:        s.Status.Cycle,
		Tripped:      s.Status.Tripped,
		Cause:        s.Status.Cause,
		Flags:        link.FlagReports(s.Status),
		Sensors:      s.Sensors,
		SensorsValid: s.SensorsValid,
		Plant: link.PlantState{
			PanelReady:        s.Plant.PanelReady,
			ShutdownRequested: s.Plant.ShutdownRequested,
			Degraded:          s.Plant.Degraded,
			DeviceFormed:      s.Plant.DeviceFormed,
			DevicePresent:     s.Plant.DevicePresent,
			ModemPresent:      s.Plant.ModemPresent,
		},
		BurnEnabled: s.Setpoints.BurnEnabled,
		BurnRate:    s.Setpoints.BurnRate,
		UptimeMs:    s.Uptime.Milliseconds(),
	}
}
