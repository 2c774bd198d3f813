// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package plc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Thermoquad/rpsplc/pkg/link"
)

var (
	// ErrShuttingDown is returned for commands submitted after the core
	// tasks stopped
	ErrShuttingDown = errors.New("controller shutting down")

	// ErrInvalidCommand is returned for unknown operations
	ErrInvalidCommand = errors.New("invalid command")
)

// Command sources
const (
	SourceAPI   = "api"
	SourceLocal = "local"
	SourceRPS   = "rps"
)

// Command rejection reasons
const (
	ReasonHeld       = "predicate still true"
	ReasonTripped    = "rps tripped"
	ReasonNotFormed  = "device not formed"
	ReasonOutOfRange = "burn rate out of range"
)

// Command is a request submitted to the controller from any source
type Command struct {
	Op     link.CommandOp `json:"op"`
	Value  float64        `json:"value,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Source string         `json:"source"`
}

// Result is the outcome of a command
type Result struct {
	OK      bool     `json:"ok"`
	Reason  string   `json:"reason,omitempty"`
	Cleared []string `json:"cleared,omitempty"`
	Held    []string `json:"held,omitempty"`
	Tripped bool     `json:"tripped"`

	Setpoints Setpoints `json:"setpoints"`
}

type rpsKind uint8

const (
	rpsScram rpsKind = iota + 1
	rpsReset
	rpsLinkLoss
	rpsLinkRestored
)

type rpsRequest struct {
	kind  rpsKind
	cmd   Command
	reply chan Result
}

type setpointRequest struct {
	cmd   Command
	reply chan Result
}

// Submit routes cmd to its owning task and waits for the outcome. SCRAM
// and reset go to the RPS task; setpoint commands go to the setpoint task.
func (c *Controller) Submit(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Source == "" {
		cmd.Source = SourceLocal
	}
	select {
	case <-c.stopped:
		return Result{}, ErrShuttingDown
	default:
	}

	reply := make(chan Result, 1)
	var err error
	switch cmd.Op {
	case link.OpScram:
		err = c.rpsInbox.Push(ctx, rpsRequest{kind: rpsScram, cmd: cmd, reply: reply})
	case link.OpReset:
		err = c.rpsInbox.Push(ctx, rpsRequest{kind: rpsReset, cmd: cmd, reply: reply})
	case link.OpSetBurnRate, link.OpEnableBurn:
		err = c.setpointInbox.Push(ctx, setpointRequest{cmd: cmd, reply: reply})
	default:
		return Result{}, fmt.Errorf("%w: op %d", ErrInvalidCommand, cmd.Op)
	}
	if err != nil {
		return Result{}, err
	}

	select {
	case res := <-reply:
		c.metrics.Command(cmd.Op.String(), sourceLabel(cmd.Source), res.OK)
		if !res.OK {
			c.emitCommandRejected(cmd, res.Reason)
		}
		return res, nil
	case <-c.stopped:
		return Result{}, ErrShuttingDown
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// sourceLabel drops the peer address from link sources for metrics
func sourceLabel(source string) string {
	if strings.HasPrefix(source, "link:") {
		return "link"
	}
	return source
}
