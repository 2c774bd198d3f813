// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package link

import (
	"fmt"
	"strings"
	"time"
)

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	auth := ""
	if p.Authenticated {
		auth = " auth"
	}

	result := fmt.Sprintf("[%s] %s (0x%02X) session=%08X seq=%d len=%d%s\n",
		ts.Format("15:04:05.000"), p.Kind, uint8(p.Kind), p.SessionID, p.Seq, len(p.Payload), auth)
	return result + FormatPayload(p)
}

// FormatPayload formats the decoded payload based on packet kind
func FormatPayload(p *Packet) string {
	switch p.Kind {
	case KindEstablish:
		var m Establish
		if err := p.DecodePayload(&m); err != nil {
			return formatPayloadError(err)
		}
		return fmt.Sprintf("  Role: %s, Protocol: %d, Firmware: %q\n", m.Role, m.Protocol, m.Firmware)

	case KindEstablishAck:
		var m EstablishAck
		if err := p.DecodePayload(&m); err != nil {
			return formatPayloadError(err)
		}
		return fmt.Sprintf("  Result: %s, Session: %08X\n", m.Result, m.SessionID)

	case KindKeepAlive:
		var m KeepAlive
		if err := p.DecodePayload(&m); err != nil {
			return formatPayloadError(err)
		}
		if m.EchoMs != 0 {
			return fmt.Sprintf("  Sent: %d ms, Echo: %d ms\n", m.SentMs, m.EchoMs)
		}
		return fmt.Sprintf("  Sent: %d ms\n", m.SentMs)

	case KindStatus:
		var m StatusReport
		if err := p.DecodePayload(&m); err != nil {
			return formatPayloadError(err)
		}
		return formatStatus(m)

	case KindCommand:
		var m Command
		if err := p.DecodePayload(&m); err != nil {
			return formatPayloadError(err)
		}
		s := fmt.Sprintf("  Op: %s", m.Op)
		if m.Op == OpSetBurnRate || m.Op == OpEnableBurn {
			s += fmt.Sprintf(", Value: %.2f", m.Value)
		}
		if m.Reason != "" {
			s += fmt.Sprintf(", Reason: %q", m.Reason)
		}
		return s + "\n"

	case KindCommandAck:
		var m CommandAck
		if err := p.DecodePayload(&m); err != nil {
			return formatPayloadError(err)
		}
		s := fmt.Sprintf("  Op: %s, OK: %t", m.Op, m.OK)
		if m.Reason != "" {
			s += fmt.Sprintf(", Reason: %q", m.Reason)
		}
		if len(m.Held) > 0 {
			s += fmt.Sprintf(", Held: %s", strings.Join(m.Held, ","))
		}
		return s + "\n"

	case KindClose:
		var m Close
		if err := p.DecodePayload(&m); err != nil {
			return formatPayloadError(err)
		}
		if m.Reason == "" {
			return "  (no reason)\n"
		}
		return fmt.Sprintf("  Reason: %q\n", m.Reason)

	default:
		return fmt.Sprintf("  Payload: % X\n", p.Payload)
	}
}

func formatStatus(m StatusReport) string {
	state := m.State().String()
	if m.Cause != "" {
		state += " (cause " + m.Cause + ")"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  Cycle: %d, State: %s\n", m.Cycle, state)
	if latched := m.Latched(); len(latched) > 0 {
		fmt.Fprintf(&b, "  Latched: %s\n", strings.Join(latched, ","))
	}
	if m.SensorsValid {
		s := m.Sensors
		fmt.Fprintf(&b, "  Temp: %.1f K, Damage: %.1f%%, Coolant: %.0f%%, Fuel: %.0f%%, Waste: %.0f%%, Burn: %.2f\n",
			s.Temperature, s.Damage, s.CoolantFill*100, s.FuelFill*100, s.WasteFill*100, s.BurnRate)
	} else {
		b.WriteString("  Sensors: unavailable\n")
	}
	fmt.Fprintf(&b, "  Setpoint: enabled=%t rate=%.2f, Degraded: %t\n", m.BurnEnabled, m.BurnRate, m.Plant.Degraded)
	if m.Final {
		b.WriteString("  (final report)\n")
	}
	return b.String()
}

func formatPayloadError(err error) string {
	return fmt.Sprintf("  Payload error: %v\n", err)
}
