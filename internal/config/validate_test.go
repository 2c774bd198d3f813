// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/rpsplc/pkg/link"
	"github.com/Thermoquad/rpsplc/pkg/rps"
)

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero cadence", func(c *Config) { c.RPS.Cadence = 0 }, "rps.cadence"},
		{"freshness below cadence", func(c *Config) { c.RPS.FreshnessTimeout = time.Millisecond }, "freshness_timeout"},
		{"timeout not above status period", func(c *Config) { c.Link.Timeout = c.Link.StatusPeriod }, "link.timeout"},
		{"key too long", func(c *Config) { c.Link.Key = strings.Repeat("k", 65) }, "link.key"},
		{"unknown transport", func(c *Config) { c.Link.Transport = "carrier-pigeon" }, "link.transport"},
		{"serial without port", func(c *Config) { c.Link.Transport = TransportSerial }, "serial_port"},
		{"websocket without api", func(c *Config) { c.Link.Transport = TransportWebSocket; c.API.Enabled = false }, "api.enabled"},
		{"unknown driver", func(c *Config) { c.Device.Driver = "can" }, "device.driver"},
		{"modbus without endpoint", func(c *Config) { c.Device.Endpoint = "" }, "device.endpoint"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"api without listen", func(c *Config) { c.API.Listen = "" }, "api.listen"},
		{"mqtt without topic", func(c *Config) { c.Events.MQTT.Enabled = true; c.Events.MQTT.Topic = "" }, "topic"},
		{"initial burn above max", func(c *Config) { c.Setpoint.InitialBurnRate = 1000 }, "initial_burn_rate"},
		{"condition unknown field", func(c *Config) {
			c.RPS.Conditions = []ConditionConfig{{Name: "x", Field: "pressure", Op: ">", Threshold: 1}}
		}, "unknown field"},
		{"condition unknown op", func(c *Config) {
			c.RPS.Conditions = []ConditionConfig{{Name: "x", Field: "damage", Op: "~", Threshold: 1}}
		}, "unknown op"},
		{"condition duplicate", func(c *Config) {
			c.RPS.Conditions = []ConditionConfig{
				{Name: "x", Field: "damage", Op: ">", Threshold: 1},
				{Name: "x", Field: "damage", Op: ">", Threshold: 2},
			}
		}, "duplicate"},
		{"too many conditions", func(c *Config) { c.RPS.Conditions = conditionTable(rps.MaxConditions+1, 8) }, "max"},
		{"condition name too long", func(c *Config) { c.RPS.Conditions = conditionTable(1, rps.MaxConditionName+1) }, "longer than"},
		{"condition shadows builtin", func(c *Config) {
			c.RPS.Conditions = []ConditionConfig{{Name: "manual", Field: "damage", Op: ">", Threshold: 1}}
		}, "built-in"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrConfig) {
				t.Errorf("err = %v, want ErrConfig", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate_LinkRulesSkippedWhenStandalone(t *testing.T) {
	cfg := Defaults()
	cfg.Networked = false
	cfg.Link.Transport = ""
	cfg.Link.Timeout = 0

	if err := Validate(cfg); err != nil {
		t.Errorf("standalone controller should not need link settings: %v", err)
	}
}

func TestValidate_DoesNotMutate(t *testing.T) {
	cfg := Defaults()
	before := *cfg
	_ = Validate(cfg)

	if cfg.RPS.Cadence != before.RPS.Cadence || cfg.Link != before.Link || cfg.Device != before.Device {
		t.Error("Validate must not mutate configuration")
	}
}

// conditionTable builds n distinct conditions with names of exactly size bytes
func conditionTable(n, size int) []ConditionConfig {
	table := make([]ConditionConfig, n)
	for i := range table {
		suffix := fmt.Sprintf("_%02d", i)
		table[i] = ConditionConfig{
			Name:      strings.Repeat("t", size-len(suffix)) + suffix,
			Field:     rps.FieldTemperature,
			Op:        ">",
			Threshold: float64(1000 + i),
		}
	}
	return table
}

func TestValidate_LargestConditionTableFitsStatus(t *testing.T) {
	cfg := Defaults()
	cfg.RPS.Conditions = conditionTable(rps.MaxConditions, rps.MaxConditionName)
	if err := Validate(cfg); err != nil {
		t.Fatalf("largest allowed table rejected: %v", err)
	}

	engineCfg, err := cfg.RPSEngineConfig()
	if err != nil {
		t.Fatalf("RPSEngineConfig: %v", err)
	}
	engine, err := rps.NewEngine(rps.NullDevice{}, false, engineCfg, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer engine.Close()

	// Every field at its widest encoding
	flags := link.FlagReports(engine.Last().Status)
	for i := range flags {
		flags[i].Latched, flags[i].Active = true, true
	}
	report := link.StatusReport{
		Cycle:        math.MaxUint64,
		Tripped:      true,
		Cause:        cfg.RPS.Conditions[0].Name,
		Flags:        flags,
		Sensors:      rps.SensorSnapshot{Temperature: 1.1, Damage: 1.1, CoolantFill: 1.1, HeatedCoolantFill: 1.1, FuelFill: 1.1, WasteFill: 1.1, BurnRate: 1.1, Active: true},
		SensorsValid: true,
		Plant:        link.PlantState{PanelReady: true, ShutdownRequested: true, Degraded: true, DeviceFormed: true, DevicePresent: true, ModemPresent: true},
		BurnEnabled:  true,
		BurnRate:     1.1,
		UptimeMs:     math.MaxInt64,
		Final:        true,
	}

	p, err := link.NewStatus(report)
	if err != nil {
		t.Fatalf("NewStatus: %v", err)
	}
	var got link.StatusReport
	if err := p.DecodePayload(&got); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(got.Flags) != len(flags) {
		t.Errorf("status carries %d of %d flags, want the full table", len(got.Flags), len(flags))
	}
}
