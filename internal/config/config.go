// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the controller configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/rpsplc/pkg/rps"
)

// ErrConfig marks every configuration fault
var ErrConfig = errors.New("invalid configuration")

// EnvLinkKey overrides link.key when set
const EnvLinkKey = "RPSPLC_LINK_KEY"

// Link transports
const (
	TransportUDP       = "udp"
	TransportSerial    = "serial"
	TransportWebSocket = "websocket"
)

// Device drivers
const (
	DriverModbus = "modbus"
	DriverNone   = "none"
)

// Config is the top-level controller configuration.
type Config struct {
	Networked bool `yaml:"networked"`

	Link     LinkConfig     `yaml:"link"`
	RPS      RPSConfig      `yaml:"rps"`
	Setpoint SetpointConfig `yaml:"setpoint"`
	Device   DeviceConfig   `yaml:"device"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
	Events   EventsConfig   `yaml:"events"`
	Panel    PanelConfig    `yaml:"panel"`
}

// LinkConfig defines the supervisory link.
type LinkConfig struct {
	Transport  string `yaml:"transport"`   // "udp", "serial" or "websocket"
	Listen     string `yaml:"listen"`      // udp/websocket bind address
	Peer       string `yaml:"peer"`        // remote CLI target
	SerialPort string `yaml:"serial_port"` // serial device path
	Baud       int    `yaml:"baud"`

	// Key enables packet authentication when non-empty
	Key string `yaml:"key"`

	Timeout          time.Duration `yaml:"timeout"`
	StatusPeriod     time.Duration `yaml:"status_period"`
	KeepAlivePeriod  time.Duration `yaml:"keepalive_period"`
	EstablishTimeout time.Duration `yaml:"establish_timeout"`
	InboxSize        int           `yaml:"inbox_size"`
}

// RPSConfig defines protection evaluation.
type RPSConfig struct {
	Cadence          time.Duration     `yaml:"cadence"`
	FreshnessTimeout time.Duration     `yaml:"freshness_timeout"`
	ReadTimeout      time.Duration     `yaml:"read_timeout"`
	ScramOnExit      bool              `yaml:"scram_on_exit"`
	Conditions       []ConditionConfig `yaml:"conditions"`
}

// ConditionConfig is one process protection condition.
type ConditionConfig struct {
	Name      string  `yaml:"name"`
	Field     string  `yaml:"field"`
	Op        string  `yaml:"op"`
	Threshold float64 `yaml:"threshold"`
	Enabled   *bool   `yaml:"enabled"` // nil means enabled
}

// IsEnabled reports whether the condition is active
func (c ConditionConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SetpointConfig bounds the operator setpoints.
type SetpointConfig struct {
	InitialBurnRate float64 `yaml:"initial_burn_rate"`
	MaxBurnRate     float64 `yaml:"max_burn_rate"`
}

// DeviceConfig addresses the controlled unit.
type DeviceConfig struct {
	Driver   string        `yaml:"driver"`   // "modbus" or "none"
	Endpoint string        `yaml:"endpoint"` // host:port
	SlaveID  uint8         `yaml:"slave_id"`
	Timeout  time.Duration `yaml:"timeout"`
}

// APIConfig defines the local HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LogConfig defines logging output.
type LogConfig struct {
	Level   string `yaml:"level"`  // debug, info, warn, error
	Format  string `yaml:"format"` // text or json
	Journal bool   `yaml:"journal"`
}

// EventsConfig defines external event sinks.
type EventsConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig defines MQTT broker settings.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

// PanelConfig defines the console front panel.
type PanelConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Networked: true,
		Link: LinkConfig{
			Transport:        TransportUDP,
			Listen:           "0.0.0.0:7420",
			Peer:             "127.0.0.1:7420",
			Baud:             115200,
			Timeout:          5 * time.Second,
			StatusPeriod:     500 * time.Millisecond,
			KeepAlivePeriod:  time.Second,
			EstablishTimeout: 3 * time.Second,
			InboxSize:        32,
		},
		RPS: RPSConfig{
			Cadence:          100 * time.Millisecond,
			FreshnessTimeout: 2 * time.Second,
			ReadTimeout:      500 * time.Millisecond,
			ScramOnExit:      true,
		},
		Setpoint: SetpointConfig{
			InitialBurnRate: 0.1,
			MaxBurnRate:     100,
		},
		Device: DeviceConfig{
			Driver:   DriverModbus,
			Endpoint: "127.0.0.1:502",
			SlaveID:  1,
			Timeout:  time.Second,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8420",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Events: EventsConfig{
			MQTT: MQTTConfig{
				Broker:   "localhost",
				Port:     1883,
				ClientID: "rpsplc",
				Topic:    "rpsplc/events",
			},
		},
		Panel: PanelConfig{
			Enabled: true,
		},
	}
}

// Load reads a YAML config file. If the file doesn't exist, defaults are used.
// RPSPLC_LINK_KEY overrides the link key. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
			}
		}
	}

	if key := os.Getenv(EnvLinkKey); key != "" {
		cfg.Link.Key = key
	}
	return cfg, nil
}

// Save writes the config to a YAML file. The link key is never written.
func (c *Config) Save(path string) error {
	out := *c
	out.Link.Key = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LinkKey returns the authentication key bytes (nil disables authentication)
func (c *Config) LinkKey() []byte {
	if c.Link.Key == "" {
		return nil
	}
	return []byte(c.Link.Key)
}

// Conditions builds the process condition table. With no conditions
// configured it returns nil, which selects the defaults.
func (c *Config) Conditions() ([]rps.Condition, error) {
	if len(c.RPS.Conditions) == 0 {
		return nil, nil
	}

	conditions := make([]rps.Condition, 0, len(c.RPS.Conditions))
	for _, cc := range c.RPS.Conditions {
		if !cc.IsEnabled() {
			continue
		}
		cond, err := rps.Threshold(cc.Name, cc.Field, rps.Op(cc.Op), cc.Threshold)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		conditions = append(conditions, cond)
	}
	return conditions, nil
}

// RPSEngineConfig returns the engine configuration
func (c *Config) RPSEngineConfig() (rps.Config, error) {
	conditions, err := c.Conditions()
	if err != nil {
		return rps.Config{}, err
	}
	return rps.Config{
		Conditions:       conditions,
		FreshnessTimeout: c.RPS.FreshnessTimeout,
		ReadTimeout:      c.RPS.ReadTimeout,
	}, nil
}
