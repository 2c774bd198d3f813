// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package plc ties the RPS engine, the setpoint task and the supervisory
// link into one controller.
//
// Each piece of shared state has exactly one writer task. The RPS task owns
// the engine and publishes an immutable rps.Report after every cycle; the
// setpoint task owns Setpoints; the main loop owns PlantState; the comms
// supervisor owns the link session. Everything crosses task boundaries as an
// atomic pointer swap or a message on an mq.Queue.
package plc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/rpsplc/internal/comms"
	"github.com/Thermoquad/rpsplc/internal/events"
	"github.com/Thermoquad/rpsplc/internal/metrics"
	"github.com/Thermoquad/rpsplc/internal/transport"
	"github.com/Thermoquad/rpsplc/pkg/mq"
	"github.com/Thermoquad/rpsplc/pkg/rps"
)

// finalTimeout bounds device commands issued during shutdown
const finalTimeout = 2 * time.Second

// Options configures a Controller
type Options struct {
	// Device is the controlled unit. Nil runs degraded on rps.NullDevice.
	Device rps.Device

	Engine      rps.Config
	Cadence     time.Duration
	ScramOnExit bool

	InitialBurnRate float64
	MaxBurnRate     float64

	// Transport enables networked mode when non-nil
	Transport transport.Transport
	Link      comms.Config

	// PresencePeriod is the main loop's device supervision cadence
	PresencePeriod time.Duration

	PanelReady bool
	Firmware   string

	Bus     *events.EventBus
	Metrics *metrics.Collector
	Log     *slog.Logger
}

// Controller runs the PLC task set
type Controller struct {
	opts    Options
	device  rps.Device
	engine  *rps.Engine
	sup     *comms.Supervisor
	bus     *events.EventBus
	ownsBus bool
	metrics *metrics.Collector
	log     *slog.Logger

	rpsInbox      *mq.Queue[rpsRequest]
	setpointInbox *mq.Queue[setpointRequest]

	report    atomic.Pointer[rps.Report]
	plant     atomic.Pointer[PlantState]
	setpoints atomic.Pointer[Setpoints]

	// RPS task private state
	tripGen    uint64
	startedGen uint64

	linkCtx context.Context
	started time.Time
	stopped chan struct{}
	running atomic.Bool
}

// New creates a controller. The device's boot-time presence and formed
// flags seed PlantState and the engine's degraded mode.
func New(opts Options) (*Controller, error) {
	if opts.Cadence <= 0 {
		return nil, fmt.Errorf("plc: cadence must be positive")
	}
	if opts.PresencePeriod <= 0 {
		opts.PresencePeriod = time.Second
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	ownsBus := opts.Bus == nil
	if ownsBus {
		opts.Bus = events.NewEventBus()
	}

	dev := opts.Device
	if dev == nil {
		dev = rps.NullDevice{}
	}

	c := &Controller{
		opts:          opts,
		device:        dev,
		bus:           opts.Bus,
		ownsBus:       ownsBus,
		metrics:       opts.Metrics,
		log:           opts.Log.With("component", "plc"),
		rpsInbox:      mq.New[rpsRequest]("rps", 16),
		setpointInbox: mq.New[setpointRequest]("setpoint", 16),
		linkCtx:       context.Background(),
		started:       time.Now(),
		stopped:       make(chan struct{}),
	}

	formed := dev.IsPresent() && dev.IsFormed()
	engine, err := rps.NewEngine(dev, formed, opts.Engine, &rpsEmitter{c: c}, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("plc: %w", err)
	}
	c.engine = engine

	last := engine.Last()
	c.report.Store(&last)
	c.plant.Store(&PlantState{
		PanelReady:    opts.PanelReady,
		Degraded:      !formed,
		DeviceFormed:  formed,
		DevicePresent: dev.IsPresent(),
		ModemPresent:  opts.Transport != nil,
	})
	c.setpoints.Store(&Setpoints{BurnRate: opts.InitialBurnRate})

	if opts.Transport != nil {
		sup, err := comms.NewSupervisor(opts.Transport, &plantAdapter{c: c}, opts.Link,
			&commsEmitter{bus: c.bus}, c.metrics, opts.Log)
		if err != nil {
			return nil, fmt.Errorf("plc: %w", err)
		}
		c.sup = sup
	}
	c.metrics.SetBurnRate(opts.InitialBurnRate)

	return c, nil
}

// Networked reports whether a supervisory link is configured
func (c *Controller) Networked() bool {
	return c.sup != nil
}

// Supervisor returns the comms supervisor, or nil when not networked
func (c *Controller) Supervisor() *comms.Supervisor {
	return c.sup
}

// Bus returns the event bus
func (c *Controller) Bus() *events.EventBus {
	return c.bus
}

// Snapshot assembles the latest published state
func (c *Controller) Snapshot() Snapshot {
	report := c.report.Load()
	s := Snapshot{
		Status:       report.Status,
		Sensors:      report.Sensors,
		SensorsValid: report.SensorsValid,
		Plant:        *c.plant.Load(),
		Setpoints:    *c.setpoints.Load(),
		Networked:    c.sup != nil,
		Firmware:     c.opts.Firmware,
		StartedAt:    c.started,
		Uptime:       time.Since(c.started),
	}
	if c.sup != nil {
		st := c.sup.State()
		s.Link = &st
	}
	return s
}

// Run starts the task set and blocks until ctx is done or a task fails.
//
// Shutdown runs in two phases. The RPS, setpoint and main tasks stop first;
// the RPS task issues its final trip on the way out. The comms tasks stop
// second, so the final status they send reflects that trip, and the
// transport is closed last.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("plc: controller already running")
	}

	c.emit(events.EventControllerStarted, events.LifecycleEvent{})
	c.log.Info("controller started",
		"networked", c.sup != nil,
		"device_present", c.device.IsPresent(),
		"device_formed", c.engine.FormedAtBoot(),
		"cadence", c.opts.Cadence)

	coreCtx, cancelCore := context.WithCancel(ctx)
	defer cancelCore()

	linkCtx, cancelLink := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelLink()
	c.linkCtx = linkCtx

	var linkTasks errgroup.Group
	if c.sup != nil {
		linkTasks.Go(func() error {
			return c.linkTask("receiver", cancelCore, c.sup.RunReceiver(linkCtx))
		})
		linkTasks.Go(func() error {
			return c.linkTask("session", cancelCore, c.sup.RunSession(linkCtx))
		})
	}

	core, gctx := errgroup.WithContext(coreCtx)
	core.Go(func() error { return c.runRPS(gctx) })
	core.Go(func() error { return c.runSetpoints(gctx) })
	core.Go(func() error { return c.runMain(gctx) })

	coreErr := core.Wait()
	close(c.stopped)

	plant := *c.plant.Load()
	plant.ShutdownRequested = true
	c.plant.Store(&plant)

	c.emit(events.EventControllerStopping, events.LifecycleEvent{Reason: stopReason(ctx, coreErr)})
	c.log.Info("core tasks stopped, closing link")

	cancelLink()
	linkErr := linkTasks.Wait()
	if c.opts.Transport != nil {
		if err := c.opts.Transport.Close(); err != nil {
			c.log.Debug("transport close", "error", err)
		}
	}
	if c.ownsBus {
		c.bus.Close()
	}

	return errors.Join(coreErr, linkErr)
}

// linkTask stops the core when a comms task fails, so the unit is never
// left running without link supervision.
func (c *Controller) linkTask(name string, cancelCore context.CancelFunc, err error) error {
	if err != nil {
		c.log.Error("comms task failed", "task", name, "error", err)
		cancelCore()
		return fmt.Errorf("comms %s: %w", name, err)
	}
	return nil
}

func stopReason(ctx context.Context, err error) string {
	if err != nil {
		return err.Error()
	}
	if ctx.Err() != nil {
		return "shutdown requested"
	}
	return "stopped"
}

// runMain supervises device presence and publishes PlantState
func (c *Controller) runMain(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.PresencePeriod)
	defer ticker.Stop()

	type prober interface{ Probe(ctx context.Context) }

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if p, ok := c.device.(prober); ok {
			p.Probe(ctx)
		}

		prev := *c.plant.Load()
		next := prev
		next.DevicePresent = c.device.IsPresent()
		next.DeviceFormed = next.DevicePresent && c.device.IsFormed()
		next.Degraded = !next.DeviceFormed
		if next != prev {
			c.plant.Store(&next)
			c.log.Info("plant state changed",
				"device_present", next.DevicePresent,
				"device_formed", next.DeviceFormed,
				"degraded", next.Degraded)
		}

		c.metrics.ObserveQueue(c.rpsInbox.Name(), c.rpsInbox.Len(), c.rpsInbox.Dropped())
		c.metrics.ObserveQueue(c.setpointInbox.Name(), c.setpointInbox.Len(), c.setpointInbox.Dropped())
	}
}

func (c *Controller) emit(t events.EventType, payload any) {
	c.bus.Emit(events.Event{Type: t, Payload: payload})
}

func (c *Controller) emitCommandRejected(cmd Command, reason string) {
	c.emit(events.EventCommandRejected, events.CommandRejectEvent{
		Command: cmd.Op.String(),
		Source:  cmd.Source,
		Reason:  reason,
	})
}
