// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package rps implements the Reactor Protection System engine.
//
// The engine evaluates a table of named protection predicates every cycle.
// Flags latch when their predicate is true and clear only on an explicit reset
// while the predicate is false. The stop command is issued synchronously on
// the cycle that first trips, before the cycle's status is returned, so no
// caller can observe a tripped status the device has not been told about.
//
// An Engine is owned by a single task and is not safe for concurrent use.
package rps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Thermoquad/rpsplc/pkg/watchdog"
)

// EventEmitter receives RPS transitions.
// The controller implements this via an adapter to avoid import cycles.
type EventEmitter interface {
	EmitTripped(status Status, latched []string)
	EmitCleared(status Status, cleared []string)
	EmitResetRefused(status Status, held []string)
	EmitDeviceFault(err error)
}

// Config holds engine tuning
type Config struct {
	// Conditions is the process condition table. Nil selects DefaultConditions.
	Conditions []Condition

	// FreshnessTimeout trips the timeout flag when no sensor read succeeds
	// for this long. Zero disables freshness supervision.
	FreshnessTimeout time.Duration

	// ReadTimeout bounds a single sensor read. Zero means no bound.
	ReadTimeout time.Duration
}

type flag struct {
	cond   Condition
	state  FlagState
	active bool
	since  time.Time
}

// Engine is the RPS state machine
type Engine struct {
	device       Device
	formedAtBoot bool
	flags        []*flag
	emitter      EventEmitter
	log          *slog.Logger
	readTimeout  time.Duration

	fresh     *watchdog.Watchdog
	stale     bool
	readFault bool

	manual       bool
	manualReason string
	linkLoss     bool
	stopFailed   bool

	tripped bool
	cause   string
	cycle   uint64
	last    Report
}

// NewEngine creates an engine for dev. A nil dev is replaced with NullDevice.
func NewEngine(dev Device, formedAtBoot bool, cfg Config, emitter EventEmitter, log *slog.Logger) (*Engine, error) {
	if dev == nil {
		dev = NullDevice{}
	}
	if log == nil {
		log = slog.Default()
	}

	conditions := cfg.Conditions
	if conditions == nil {
		conditions = DefaultConditions()
	}

	e := &Engine{
		device:       dev,
		formedAtBoot: formedAtBoot,
		emitter:      emitter,
		log:          log.With("component", "rps"),
		readTimeout:  cfg.ReadTimeout,
	}

	seen := make(map[string]bool)
	for _, c := range append(builtinConditions(), conditions...) {
		if c.Name == "" || c.Predicate == nil {
			return nil, fmt.Errorf("rps: condition must have a name and predicate")
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("rps: duplicate condition %q", c.Name)
		}
		seen[c.Name] = true
		e.flags = append(e.flags, &flag{cond: c})
	}

	if cfg.FreshnessTimeout > 0 {
		e.fresh = watchdog.New(cfg.FreshnessTimeout)
		e.fresh.Feed()
	}

	if !formedAtBoot {
		e.log.Warn("controlled device not formed at boot, running degraded")
	}

	e.last = Report{Status: e.status(time.Now())}
	return e, nil
}

// Device returns the controlled device
func (e *Engine) Device() Device {
	return e.device
}

// FormedAtBoot reports the boot-time formed flag
func (e *Engine) FormedAtBoot() bool {
	return e.formedAtBoot
}

// Last returns the most recent report
func (e *Engine) Last() Report {
	return e.last
}

// Tripped reports whether any flag is latched
func (e *Engine) Tripped() bool {
	return e.tripped
}

// Evaluate samples the device and runs one protection cycle
func (e *Engine) Evaluate(ctx context.Context) Report {
	snap, err := e.read(ctx)
	return e.EvaluateSnapshot(ctx, snap, err)
}

// EvaluateSnapshot runs one protection cycle against a given sample.
// readErr is the error from obtaining the sample; any error is a device fault.
func (e *Engine) EvaluateSnapshot(ctx context.Context, snap SensorSnapshot, readErr error) Report {
	now := time.Now()
	e.cycle++

	in := e.inputs(snap, readErr)

	var newly []string
	for _, f := range e.flags {
		f.active = f.cond.Predicate(in)
		if f.active && f.state == Clear {
			f.state = Tripped
			f.since = now
			newly = append(newly, f.cond.Name)
		}
	}

	wasTripped := e.tripped
	stopIssued := e.act(ctx, wasTripped)

	// A failed stop is itself a device fault, latched in the same cycle
	if e.stopFailed {
		if f := e.flag(FlagDeviceFault); f != nil && f.state == Clear {
			f.state = Tripped
			f.active = true
			f.since = now
			newly = append(newly, FlagDeviceFault)
			e.tripped = true
		}
	}

	if e.tripped && !wasTripped && len(newly) > 0 {
		e.cause = newly[0]
	}

	report := Report{
		Status:       e.status(now),
		Sensors:      snap,
		SensorsValid: readErr == nil,
		StopIssued:   stopIssued,
	}
	e.last = report

	if len(newly) > 0 {
		e.log.Warn("protection flags latched",
			"flags", newly,
			"cause", e.cause,
			"cycle", e.cycle,
			"stop_issued", stopIssued)
		if e.emitter != nil {
			e.emitter.EmitTripped(report.Status, newly)
		}
	}

	return report
}

// act issues the stop command when tripped. On the first tripping cycle the
// stop is unconditional; afterwards it is reissued while the unit still
// reports running.
func (e *Engine) act(ctx context.Context, wasTripped bool) bool {
	e.tripped = false
	for _, f := range e.flags {
		if f.state == Tripped {
			e.tripped = true
			break
		}
	}
	if !e.tripped {
		return false
	}

	if wasTripped {
		running, err := e.device.Status(ctx)
		if err != nil {
			e.log.Error("device status read failed while tripped", "error", err)
			running = true
		}
		if !running {
			return false
		}
	}

	if err := e.device.Stop(ctx); err != nil {
		e.stopFailed = true
		err = fmt.Errorf("%w: stop: %v", ErrDeviceFault, err)
		e.log.Error("SCRAM command failed", "error", err)
		if e.emitter != nil {
			e.emitter.EmitDeviceFault(err)
		}
		return true
	}
	if !wasTripped {
		e.log.Warn("SCRAM issued", "cycle", e.cycle)
	}
	return true
}

// Scram latches the manual flag and runs a cycle immediately
func (e *Engine) Scram(ctx context.Context, reason string) Report {
	if !e.manual {
		e.log.Warn("manual SCRAM requested", "reason", reason)
	}
	e.manual = true
	e.manualReason = reason
	return e.Evaluate(ctx)
}

// ManualReason returns the reason of the last manual SCRAM
func (e *Engine) ManualReason() string {
	return e.manualReason
}

// InjectLinkLoss latches the link-loss condition on the next cycle
func (e *Engine) InjectLinkLoss() {
	if !e.linkLoss {
		e.log.Warn("link loss injected")
	}
	e.linkLoss = true
}

// LinkRestored clears the link-loss predicate so a reset can clear the flag
func (e *Engine) LinkRestored() {
	e.linkLoss = false
}

// Reset clears every latched flag whose predicate is false on a fresh sample.
// Flags whose predicate still holds stay latched and are returned as held.
func (e *Engine) Reset(ctx context.Context) (cleared, held []string, report Report) {
	e.manual = false
	e.manualReason = ""
	e.stopFailed = false

	snap, err := e.read(ctx)
	in := e.inputs(snap, err)

	for _, f := range e.flags {
		f.active = f.cond.Predicate(in)
		if f.state != Tripped {
			continue
		}
		if f.active {
			held = append(held, f.cond.Name)
			continue
		}
		f.state = Clear
		f.since = time.Time{}
		cleared = append(cleared, f.cond.Name)
	}

	e.tripped = len(held) > 0
	if !e.tripped {
		e.cause = ""
	}

	e.cycle++
	report = Report{
		Status:       e.status(time.Now()),
		Sensors:      snap,
		SensorsValid: err == nil,
	}
	e.last = report

	if len(cleared) > 0 {
		e.log.Info("protection flags reset", "cleared", cleared, "held", held)
		if e.emitter != nil {
			e.emitter.EmitCleared(report.Status, cleared)
		}
	}
	if len(held) > 0 {
		e.log.Warn("reset refused while predicate holds", "held", held)
		if e.emitter != nil {
			e.emitter.EmitResetRefused(report.Status, held)
		}
	}
	return cleared, held, report
}

// Close releases the freshness watchdog
func (e *Engine) Close() {
	if e.fresh != nil {
		e.fresh.Cancel()
	}
}

func (e *Engine) read(ctx context.Context) (SensorSnapshot, error) {
	if e.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.readTimeout)
		defer cancel()
	}

	snap, err := e.device.ReadSensors(ctx)
	if err != nil {
		return SensorSnapshot{}, fmt.Errorf("%w: read sensors: %v", ErrDeviceFault, err)
	}
	return snap, nil
}

func (e *Engine) inputs(snap SensorSnapshot, readErr error) Inputs {
	if e.fresh != nil {
		select {
		case <-e.fresh.C():
			if !e.stale {
				e.log.Error("sensor data stale", "timeout", e.fresh.Period())
			}
			e.stale = true
		default:
		}
		if readErr == nil {
			e.stale = false
			e.fresh.Feed()
		}
	}

	// One event per fault episode, whatever the trip state
	switch {
	case readErr != nil && !e.readFault:
		e.readFault = true
		e.log.Error("sensor read failed", "error", readErr)
		if e.emitter != nil {
			e.emitter.EmitDeviceFault(readErr)
		}
	case readErr == nil && e.readFault:
		e.readFault = false
		e.log.Info("sensor read recovered")
	}

	return Inputs{
		Sensors:      snap,
		SensorsValid: readErr == nil,
		Present:      e.device.IsPresent(),
		Formed:       e.device.IsFormed(),
		Manual:       e.manual,
		LinkLoss:     e.linkLoss,
		Stale:        e.stale,
		StopFailed:   e.stopFailed,
	}
}

func (e *Engine) flag(name string) *flag {
	for _, f := range e.flags {
		if f.cond.Name == name {
			return f
		}
	}
	return nil
}

func (e *Engine) status(now time.Time) Status {
	s := Status{
		Flags:   make([]FlagStatus, 0, len(e.flags)),
		Tripped: e.tripped,
		Cause:   e.cause,
		Cycle:   e.cycle,
		At:      now,
	}
	for _, f := range e.flags {
		s.Flags = append(s.Flags, FlagStatus{
			Name:   f.cond.Name,
			State:  f.state,
			Active: f.active,
			Since:  f.since,
		})
	}
	if s.Tripped {
		s.State = SafeShutdown
	}
	return s
}
