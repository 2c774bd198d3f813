// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package plc

import (
	"context"
	"time"

	"github.com/Thermoquad/rpsplc/pkg/rps"
)

// runRPS is the only task that touches the engine and the only task that
// starts or stops the unit.
func (c *Controller) runRPS(ctx context.Context) error {
	defer c.engine.Close()

	ticker := time.NewTicker(c.opts.Cadence)
	defer ticker.Stop()

	c.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			c.finalTrip(ctx)
			return nil
		case req := <-c.rpsInbox.C():
			c.handleRPS(ctx, req)
		case <-ticker.C:
			c.cycle(ctx)
		}
	}
}

func (c *Controller) cycle(ctx context.Context) {
	start := time.Now()
	report := c.engine.Evaluate(ctx)
	c.control(ctx, report)
	c.publish(report, time.Since(start))
}

// control drives the unit toward the setpoints while the plant is nominal.
// An enable only starts the unit once, and never one issued before the
// latest trip.
func (c *Controller) control(ctx context.Context, report rps.Report) {
	sp := c.setpoints.Load()
	if report.Status.Tripped {
		c.tripGen = sp.Generation
		return
	}
	if !report.SensorsValid {
		return
	}

	active := report.Sensors.Active
	switch {
	case sp.BurnEnabled && !active && sp.Generation > c.tripGen && sp.Generation != c.startedGen:
		c.startedGen = sp.Generation
		if err := c.device.SetBurnRate(ctx, sp.BurnRate); err != nil {
			c.log.Warn("burn rate write before start failed", "error", err)
		}
		if err := c.device.Start(ctx); err != nil {
			c.log.Error("unit start failed", "error", err, "generation", sp.Generation)
			return
		}
		c.log.Info("unit started", "burn_rate", sp.BurnRate, "source", sp.Source)
	case !sp.BurnEnabled && active:
		if err := c.device.Stop(ctx); err != nil {
			c.log.Error("unit stop failed", "error", err)
			return
		}
		c.log.Info("unit stopped", "source", sp.Source)
	}
}

func (c *Controller) publish(report rps.Report, elapsed time.Duration) {
	c.report.Store(&report)
	c.metrics.ObserveCycle(elapsed, report.Status.Tripped, report.StopIssued)
}

func (c *Controller) handleRPS(ctx context.Context, req rpsRequest) {
	var res Result

	switch req.kind {
	case rpsScram:
		start := time.Now()
		reason := req.cmd.Reason
		if reason == "" {
			reason = "scram from " + req.cmd.Source
		}
		report := c.engine.Scram(ctx, reason)
		c.tripGen = c.setpoints.Load().Generation
		c.publish(report, time.Since(start))
		res = Result{OK: true, Tripped: report.Status.Tripped}

	case rpsReset:
		start := time.Now()
		cleared, held, report := c.engine.Reset(ctx)
		c.publish(report, time.Since(start))
		res = Result{
			OK:      len(held) == 0,
			Cleared: cleared,
			Held:    held,
			Tripped: report.Status.Tripped,
		}
		if !res.OK {
			res.Reason = ReasonHeld
		}

	case rpsLinkLoss:
		c.engine.InjectLinkLoss()
		c.cycle(ctx)

	case rpsLinkRestored:
		c.engine.LinkRestored()
	}

	if req.reply != nil {
		res.Setpoints = *c.setpoints.Load()
		req.reply <- res
	}
}

// finalTrip latches a manual trip on the way out so the last status the
// link sends shows the unit stopped.
func (c *Controller) finalTrip(ctx context.Context) {
	if !c.opts.ScramOnExit {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalTimeout)
	defer cancel()

	start := time.Now()
	report := c.engine.Scram(fctx, "controller shutdown")
	c.publish(report, time.Since(start))
	c.log.Info("final trip issued", "stop_issued", report.StopIssued)
}
