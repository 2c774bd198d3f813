// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"fmt"

	"github.com/Thermoquad/rpsplc/pkg/link"
	"github.com/Thermoquad/rpsplc/pkg/rps"
)

// Validate checks configuration correctness.
// It performs declarative validation only and never mutates cfg.
// Every returned error wraps ErrConfig.
func Validate(cfg *Config) error {
	if err := validate(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

func validate(cfg *Config) error {
	// ------------------------------------------------------------
	// RPS
	// ------------------------------------------------------------

	if cfg.RPS.Cadence <= 0 {
		return fmt.Errorf("rps.cadence must be positive")
	}
	if cfg.RPS.FreshnessTimeout < 0 || cfg.RPS.ReadTimeout < 0 {
		return fmt.Errorf("rps timeouts must not be negative")
	}
	if cfg.RPS.FreshnessTimeout > 0 && cfg.RPS.FreshnessTimeout < cfg.RPS.Cadence {
		return fmt.Errorf("rps.freshness_timeout (%s) must not be shorter than rps.cadence (%s)",
			cfg.RPS.FreshnessTimeout, cfg.RPS.Cadence)
	}

	if len(cfg.RPS.Conditions) > rps.MaxConditions {
		return fmt.Errorf("rps.conditions: %d entries (max %d)", len(cfg.RPS.Conditions), rps.MaxConditions)
	}
	seen := make(map[string]bool)
	for i, c := range cfg.RPS.Conditions {
		if c.Name == "" {
			return fmt.Errorf("rps.conditions[%d]: name required", i)
		}
		if len(c.Name) > rps.MaxConditionName {
			return fmt.Errorf("rps.conditions[%d]: name longer than %d bytes", i, rps.MaxConditionName)
		}
		if rps.IsBuiltin(c.Name) {
			return fmt.Errorf("rps.conditions[%d]: %q is a built-in flag", i, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("rps.conditions[%d]: duplicate name %q", i, c.Name)
		}
		seen[c.Name] = true

		if !rps.KnownField(c.Field) {
			return fmt.Errorf("condition %q: unknown field %q", c.Name, c.Field)
		}
		if !rps.ValidOp(rps.Op(c.Op)) {
			return fmt.Errorf("condition %q: unknown op %q", c.Name, c.Op)
		}
	}

	// ------------------------------------------------------------
	// SETPOINTS
	// ------------------------------------------------------------

	if cfg.Setpoint.MaxBurnRate <= 0 {
		return fmt.Errorf("setpoint.max_burn_rate must be positive")
	}
	if cfg.Setpoint.InitialBurnRate < 0 || cfg.Setpoint.InitialBurnRate > cfg.Setpoint.MaxBurnRate {
		return fmt.Errorf("setpoint.initial_burn_rate must be within [0, %g]", cfg.Setpoint.MaxBurnRate)
	}

	// ------------------------------------------------------------
	// LINK
	// ------------------------------------------------------------

	if err := link.ValidateKey([]byte(cfg.Link.Key)); err != nil {
		return fmt.Errorf("link.key: %v", err)
	}

	if cfg.Networked {
		switch cfg.Link.Transport {
		case TransportUDP:
			if cfg.Link.Listen == "" {
				return fmt.Errorf("link.listen required for udp transport")
			}
		case TransportWebSocket:
			// Served on the API listener at /link
			if !cfg.API.Enabled {
				return fmt.Errorf("websocket link transport requires api.enabled")
			}
		case TransportSerial:
			if cfg.Link.SerialPort == "" {
				return fmt.Errorf("link.serial_port required for serial transport")
			}
			if cfg.Link.Baud <= 0 {
				return fmt.Errorf("link.baud must be positive")
			}
		default:
			return fmt.Errorf("link.transport must be one of udp, serial, websocket (got %q)", cfg.Link.Transport)
		}

		if cfg.Link.StatusPeriod <= 0 {
			return fmt.Errorf("link.status_period must be positive")
		}
		if cfg.Link.Timeout <= cfg.Link.StatusPeriod {
			return fmt.Errorf("link.timeout (%s) must exceed link.status_period (%s)",
				cfg.Link.Timeout, cfg.Link.StatusPeriod)
		}
		if cfg.Link.KeepAlivePeriod <= 0 || cfg.Link.KeepAlivePeriod >= cfg.Link.Timeout {
			return fmt.Errorf("link.keepalive_period must be positive and below link.timeout")
		}
		if cfg.Link.EstablishTimeout <= 0 {
			return fmt.Errorf("link.establish_timeout must be positive")
		}
		if cfg.Link.InboxSize <= 0 {
			return fmt.Errorf("link.inbox_size must be positive")
		}
	}

	// ------------------------------------------------------------
	// DEVICE
	// ------------------------------------------------------------

	switch cfg.Device.Driver {
	case DriverModbus:
		if cfg.Device.Endpoint == "" {
			return fmt.Errorf("device.endpoint required for modbus driver")
		}
		if cfg.Device.Timeout <= 0 {
			return fmt.Errorf("device.timeout must be positive")
		}
	case DriverNone:
	default:
		return fmt.Errorf("device.driver must be modbus or none (got %q)", cfg.Device.Driver)
	}

	// ------------------------------------------------------------
	// SURFACES
	// ------------------------------------------------------------

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen required when the API is enabled")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error (got %q)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json (got %q)", cfg.Log.Format)
	}

	if m := cfg.Events.MQTT; m.Enabled {
		if m.Broker == "" || m.Port <= 0 || m.Port > 65535 {
			return fmt.Errorf("events.mqtt requires broker and a valid port")
		}
		if m.Topic == "" {
			return fmt.Errorf("events.mqtt.topic required")
		}
	}

	return nil
}
