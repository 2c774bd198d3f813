// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package plc

import (
	"context"
	"math"
	"time"

	"github.com/Thermoquad/rpsplc/internal/events"
	"github.com/Thermoquad/rpsplc/pkg/link"
)

func (c *Controller) runSetpoints(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-c.setpointInbox.C():
			res := c.handleSetpoint(ctx, req.cmd)
			if req.reply != nil {
				req.reply <- res
			}
		}
	}
}

func (c *Controller) handleSetpoint(ctx context.Context, cmd Command) Result {
	sp := *c.setpoints.Load()
	tripped := c.report.Load().Status.Tripped
	reject := func(reason string) Result {
		return Result{Reason: reason, Tripped: tripped, Setpoints: sp}
	}

	switch cmd.Op {
	case link.OpSetBurnRate:
		if !c.validRate(cmd.Value) {
			return reject(ReasonOutOfRange)
		}
		if c.plant.Load().DeviceFormed {
			if err := c.device.SetBurnRate(ctx, cmd.Value); err != nil {
				c.log.Warn("burn rate write failed", "rate", cmd.Value, "error", err)
				return reject(err.Error())
			}
		}
		sp.BurnRate = cmd.Value
		c.metrics.SetBurnRate(cmd.Value)

	case link.OpEnableBurn:
		enable := cmd.Value != 0
		if enable && tripped {
			return reject(ReasonTripped)
		}
		if enable && !c.plant.Load().DeviceFormed {
			return reject(ReasonNotFormed)
		}
		sp.BurnEnabled = enable

	default:
		return reject(ErrInvalidCommand.Error())
	}

	sp.Source = cmd.Source
	sp.UpdatedAt = time.Now()
	sp.Generation++
	c.setpoints.Store(&sp)

	c.log.Info("setpoints changed",
		"burn_enabled", sp.BurnEnabled,
		"burn_rate", sp.BurnRate,
		"source", sp.Source,
		"generation", sp.Generation)
	c.emit(events.EventSetpointChanged, events.SetpointEvent{
		BurnEnabled: sp.BurnEnabled,
		BurnRate:    sp.BurnRate,
		Source:      sp.Source,
	})

	return Result{OK: true, Tripped: tripped, Setpoints: sp}
}

func (c *Controller) validRate(rate float64) bool {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		return false
	}
	return c.opts.MaxBurnRate <= 0 || rate <= c.opts.MaxBurnRate
}
