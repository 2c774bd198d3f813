// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package device drives the controlled unit over Modbus TCP.
//
// Register map (unit side):
//
//	input registers   0  temperature        0.1 K
//	                  1  damage             0.01 %
//	                  2  coolant fill       1/10000
//	                  3  heated coolant     1/10000
//	                  4  fuel fill          1/10000
//	                  5  waste fill         1/10000
//	                  6  actual burn rate   0.01
//	discrete inputs   0  formed
//	                  1  active
//	coils             0  run (write 0xFF00 to start, 0x0000 to stop)
//	holding registers 0  burn-rate setpoint 0.01
package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"

	"github.com/Thermoquad/rpsplc/pkg/rps"
)

// Register addresses
const (
	RegTemperature uint16 = 0
	RegDamage      uint16 = 1
	RegCoolant     uint16 = 2
	RegHeated      uint16 = 3
	RegFuel        uint16 = 4
	RegWaste       uint16 = 5
	RegBurnRate    uint16 = 6
	inputRegCount  uint16 = 7

	InputFormed uint16 = 0
	InputActive uint16 = 1

	CoilRun uint16 = 0

	HoldingBurnRate uint16 = 0
)

// Register scaling
const (
	ScaleTemperature = 10.0
	ScaleDamage      = 100.0
	ScaleFill        = 10000.0
	ScaleBurnRate    = 100.0
)

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// registerClient is the subset of modbus.Client the driver uses
type registerClient interface {
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadCoils(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
}

// Config addresses the unit
type Config struct {
	Endpoint string
	SlaveID  uint8
	Timeout  time.Duration
}

// Modbus is a controlled unit reached over Modbus TCP.
// Requests are serialised; it is safe for concurrent use.
type Modbus struct {
	mu     sync.Mutex
	client registerClient
	closer io.Closer
	log    *slog.Logger

	present atomic.Bool
	formed  atomic.Bool
}

// Dial connects to the unit and probes whether it is formed. A unit that
// cannot be reached returns an error; the caller falls back to
// rps.NullDevice.
func Dial(cfg Config, log *slog.Logger) (*Modbus, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("modbus device: endpoint required")
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.SlaveID

	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("modbus device %s: %w", cfg.Endpoint, err)
	}

	m := newModbus(modbus.NewClient(h), h, log)
	m.log = m.log.With("endpoint", cfg.Endpoint, "slave", cfg.SlaveID)
	m.Probe(context.Background())
	return m, nil
}

func newModbus(client registerClient, closer io.Closer, log *slog.Logger) *Modbus {
	if log == nil {
		log = slog.Default()
	}
	return &Modbus{
		client: client,
		closer: closer,
		log:    log.With("component", "device"),
	}
}

// Probe refreshes the present and formed flags
func (m *Modbus) Probe(ctx context.Context) {
	if err := ctx.Err(); err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bits, err := m.client.ReadDiscreteInputs(InputFormed, 1)
	if err != nil {
		m.lost(err)
		return
	}
	m.present.Store(true)
	m.formed.Store(bit(bits, 0))
}

// ReadSensors implements rps.Device
func (m *Modbus) ReadSensors(ctx context.Context) (rps.SensorSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return rps.SensorSnapshot{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	regs, err := m.client.ReadInputRegisters(RegTemperature, inputRegCount)
	if err != nil {
		m.lost(err)
		return rps.SensorSnapshot{}, fmt.Errorf("%w: read input registers: %v", rps.ErrDeviceFault, err)
	}
	if len(regs) < int(inputRegCount)*2 {
		return rps.SensorSnapshot{}, fmt.Errorf("%w: short register read: %d bytes", rps.ErrDeviceFault, len(regs))
	}

	bits, err := m.client.ReadDiscreteInputs(InputFormed, 2)
	if err != nil {
		m.lost(err)
		return rps.SensorSnapshot{}, fmt.Errorf("%w: read discrete inputs: %v", rps.ErrDeviceFault, err)
	}

	m.present.Store(true)
	m.formed.Store(bit(bits, int(InputFormed)))

	reg := func(i uint16) float64 {
		return float64(binary.BigEndian.Uint16(regs[2*i:]))
	}

	return rps.SensorSnapshot{
		Temperature:       reg(RegTemperature) / ScaleTemperature,
		Damage:            reg(RegDamage) / ScaleDamage,
		CoolantFill:       reg(RegCoolant) / ScaleFill,
		HeatedCoolantFill: reg(RegHeated) / ScaleFill,
		FuelFill:          reg(RegFuel) / ScaleFill,
		WasteFill:         reg(RegWaste) / ScaleFill,
		BurnRate:          reg(RegBurnRate) / ScaleBurnRate,
		Active:            bit(bits, int(InputActive)),
	}, nil
}

// IsPresent implements rps.Device
func (m *Modbus) IsPresent() bool {
	return m.present.Load()
}

// IsFormed implements rps.Device
func (m *Modbus) IsFormed() bool {
	return m.present.Load() && m.formed.Load()
}

// Stop implements rps.Device
func (m *Modbus) Stop(ctx context.Context) error {
	return m.writeCoil(ctx, coilOff)
}

// Start implements rps.Device
func (m *Modbus) Start(ctx context.Context) error {
	return m.writeCoil(ctx, coilOn)
}

// SetBurnRate implements rps.Device
func (m *Modbus) SetBurnRate(ctx context.Context, rate float64) error {
	scaled := math.Round(rate * ScaleBurnRate)
	if math.IsNaN(scaled) || scaled < 0 || scaled > math.MaxUint16 {
		return fmt.Errorf("burn rate %v out of register range", rate)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.client.WriteSingleRegister(HoldingBurnRate, uint16(scaled)); err != nil {
		m.lost(err)
		return fmt.Errorf("%w: write burn rate: %v", rps.ErrDeviceFault, err)
	}
	return nil
}

// Status implements rps.Device
func (m *Modbus) Status(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bits, err := m.client.ReadCoils(CoilRun, 1)
	if err != nil {
		m.lost(err)
		return false, fmt.Errorf("%w: read run coil: %v", rps.ErrDeviceFault, err)
	}
	return bit(bits, 0), nil
}

// Close releases the connection
func (m *Modbus) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present.Store(false)
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

func (m *Modbus) writeCoil(ctx context.Context, value uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.client.WriteSingleCoil(CoilRun, value); err != nil {
		m.lost(err)
		return fmt.Errorf("%w: write run coil: %v", rps.ErrDeviceFault, err)
	}
	return nil
}

// lost records a transport failure. Called with mu held.
func (m *Modbus) lost(err error) {
	if m.present.Swap(false) {
		m.log.Warn("controlled device not responding", "error", err)
	}
}

func bit(bits []byte, i int) bool {
	if i/8 >= len(bits) {
		return false
	}
	return bits[i/8]&(1<<uint(i%8)) != 0
}

var _ rps.Device = (*Modbus)(nil)
