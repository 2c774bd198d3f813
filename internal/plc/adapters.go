// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package plc

import (
	"context"

	"github.com/Thermoquad/rpsplc/internal/events"
	"github.com/Thermoquad/rpsplc/pkg/link"
	"github.com/Thermoquad/rpsplc/pkg/rps"
)

// rpsEmitter adapts engine transitions onto the event bus
type rpsEmitter struct {
	c *Controller
}

func (e *rpsEmitter) EmitTripped(status rps.Status, latched []string) {
	e.c.metrics.Trips(latched)
	e.c.emit(events.EventRPSTripped, events.TripEvent{
		Latched: latched,
		All:     status.Latched(),
		Cause:   status.Cause,
		Cycle:   status.Cycle,
	})

	// Withdraw the burn enable so the plant stays down after a reset.
	if e.c.setpoints.Load().BurnEnabled {
		e.c.setpointInbox.TryPush(setpointRequest{cmd: Command{
			Op:     link.OpEnableBurn,
			Value:  0,
			Source: SourceRPS,
		}})
	}
}

func (e *rpsEmitter) EmitCleared(status rps.Status, cleared []string) {
	e.c.emit(events.EventRPSCleared, events.ResetEvent{
		Cleared: cleared,
		Tripped: status.Tripped,
	})
}

func (e *rpsEmitter) EmitResetRefused(status rps.Status, held []string) {
	e.c.emit(events.EventRPSResetRefused, events.ResetEvent{
		Held:    held,
		Tripped: status.Tripped,
	})
}

func (e *rpsEmitter) EmitDeviceFault(err error) {
	e.c.emit(events.EventDeviceFault, events.DeviceFaultEvent{Error: err.Error()})
}

// commsEmitter adapts link transitions onto the event bus
type commsEmitter struct {
	bus *events.EventBus
}

func (e *commsEmitter) EmitLinkUp(peer string, sessionID uint32, role string) {
	e.bus.Emit(events.Event{Type: events.EventLinkUp, Payload: events.LinkEvent{
		Peer:      peer,
		SessionID: sessionID,
		Role:      role,
	}})
}

func (e *commsEmitter) EmitLinkDown(peer string, sessionID uint32, reason string) {
	e.bus.Emit(events.Event{Type: events.EventLinkDown, Payload: events.LinkEvent{
		Peer:      peer,
		SessionID: sessionID,
		Reason:    reason,
	}})
}

func (e *commsEmitter) EmitLinkRejected(peer string, reason string) {
	e.bus.Emit(events.Event{Type: events.EventLinkRejected, Payload: events.LinkRejectEvent{
		Peer:   peer,
		Reason: reason,
	}})
}

// plantAdapter is the controller as seen by the comms supervisor
type plantAdapter struct {
	c *Controller
}

func (p *plantAdapter) StatusReport() link.StatusReport {
	return p.c.Snapshot().StatusReport()
}

func (p *plantAdapter) Execute(ctx context.Context, cmd link.Command, source string) link.CommandAck {
	res, err := p.c.Submit(ctx, Command{
		Op:     cmd.Op,
		Value:  cmd.Value,
		Reason: cmd.Reason,
		Source: source,
	})
	if err != nil {
		return link.CommandAck{Op: cmd.Op, Reason: err.Error()}
	}
	return link.CommandAck{Op: cmd.Op, OK: res.OK, Reason: res.Reason, Held: res.Held}
}

func (p *plantAdapter) InjectLinkLoss() {
	p.push(rpsLinkLoss)
}

func (p *plantAdapter) LinkRestored() {
	p.push(rpsLinkRestored)
}

func (p *plantAdapter) push(kind rpsKind) {
	if err := p.c.rpsInbox.Push(p.c.linkCtx, rpsRequest{kind: kind}); err != nil {
		p.c.log.Error("rps inbox unavailable", "request", kind, "error", err)
	}
}
