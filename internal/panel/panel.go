// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package panel renders controller events and status for a console front
// panel.
package panel

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Thermoquad/rpsplc/internal/events"
	"github.com/Thermoquad/rpsplc/pkg/link"
)

type styles struct {
	time    lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	alarm   lipgloss.Style
	warning lipgloss.Style
	ok      lipgloss.Style
	box     lipgloss.Style
	title   lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{
			time: plain, label: plain, value: plain, alarm: plain,
			warning: plain, ok: plain, title: plain.Bold(true),
			box: plain.Border(lipgloss.NormalBorder()).Padding(0, 1),
		}
	}
	return styles{
		time:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		value:   lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		alarm:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1),
		box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
	}
}

// IsTerminal reports whether f is attached to a terminal
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Panel writes one line per controller event
type Panel struct {
	mu sync.Mutex
	w  io.Writer
	st styles
}

// New creates a panel writing to w. Colour is used only when w is a
// terminal.
func New(w io.Writer) *Panel {
	color := false
	if f, ok := w.(*os.File); ok {
		color = IsTerminal(f)
	}
	return &Panel{w: w, st: newStyles(color)}
}

// Attach subscribes the panel to bus
func (p *Panel) Attach(bus *events.EventBus) events.SubscriberID {
	return bus.Subscribe(p.Handle)
}

// Handle renders evt
func (p *Panel) Handle(evt events.Event) {
	line := p.Render(evt)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

// Render formats one event, or returns "" for events the panel ignores
func (p *Panel) Render(evt events.Event) string {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	prefix := p.st.time.Render(ts.Format("15:04:05.000")) + " "

	switch e := evt.Payload.(type) {
	case events.TripEvent:
		return prefix + p.st.alarm.Render("SCRAM") + " " +
			p.field("latched", strings.Join(e.Latched, ",")) + " " +
			p.field("cause", e.Cause) + " " +
			p.field("cycle", fmt.Sprint(e.Cycle))
	case events.ResetEvent:
		if evt.Type == events.EventRPSResetRefused {
			return prefix + p.st.warning.Render("RESET REFUSED") + " " +
				p.field("held", strings.Join(e.Held, ","))
		}
		state := p.st.ok.Render("NOMINAL")
		if e.Tripped {
			state = p.st.alarm.Render("SAFE_SHUTDOWN")
		}
		return prefix + p.st.ok.Render("RESET") + " " +
			p.field("cleared", strings.Join(e.Cleared, ",")) + " " + state
	case events.DeviceFaultEvent:
		return prefix + p.st.alarm.Render("DEVICE FAULT") + " " + e.Error
	case events.LinkEvent:
		if evt.Type == events.EventLinkUp {
			return prefix + p.st.ok.Render("LINK UP") + " " +
				p.field("peer", e.Peer) + " " +
				p.field("session", fmt.Sprintf("%08x", e.SessionID)) + " " +
				p.field("role", e.Role)
		}
		return prefix + p.st.warning.Render("LINK DOWN") + " " +
			p.field("peer", e.Peer) + " " + p.field("reason", e.Reason)
	case events.LinkRejectEvent:
		return prefix + p.st.warning.Render("LINK REJECTED") + " " +
			p.field("peer", e.Peer) + " " + p.field("reason", e.Reason)
	case events.SetpointEvent:
		return prefix + p.st.label.Render("SETPOINT") + " " +
			p.field("burn", fmt.Sprint(e.BurnEnabled)) + " " +
			p.field("rate", fmt.Sprintf("%.2f", e.BurnRate)) + " " +
			p.field("source", e.Source)
	case events.CommandRejectEvent:
		return prefix + p.st.warning.Render("REFUSED") + " " +
			p.field("command", e.Command) + " " +
			p.field("source", e.Source) + " " +
			p.field("reason", e.Reason)
	case events.LifecycleEvent:
		if evt.Type == events.EventControllerStarted {
			return prefix + p.st.ok.Render("CONTROLLER STARTED")
		}
		return prefix + p.st.warning.Render("CONTROLLER STOPPING") + " " + e.Reason
	}
	return ""
}

func (p *Panel) field(label, value string) string {
	if value == "" {
		value = "-"
	}
	return p.st.label.Render(label+"=") + p.st.value.Render(value)
}

// StatusBox renders a status report as a bordered block
func (p *Panel) StatusBox(r link.StatusReport) string {
	var b strings.Builder

	state := p.st.ok.Render(r.State().String())
	if r.Tripped {
		state = p.st.alarm.Render(r.State().String())
	}
	b.WriteString(p.st.title.Render("RPS") + " " + state)
	if r.Final {
		b.WriteString(" " + p.st.warning.Render("(final)"))
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "%s %d   %s %s\n",
		p.st.label.Render("Cycle:"), r.Cycle,
		p.st.label.Render("Uptime:"), (time.Duration(r.UptimeMs) * time.Millisecond).String())
	if r.Cause != "" {
		fmt.Fprintf(&b, "%s %s\n", p.st.label.Render("Cause:"), p.st.alarm.Render(r.Cause))
	}

	b.WriteString("\n")
	for _, f := range r.Flags {
		mark := p.st.ok.Render("CLEAR  ")
		if f.Latched {
			mark = p.st.alarm.Render("TRIPPED")
		}
		active := ""
		if f.Active {
			active = p.st.warning.Render(" (active)")
		}
		fmt.Fprintf(&b, "  %s %s%s\n", mark, f.Name, active)
	}

	b.WriteString("\n")
	s := r.Sensors
	if !r.SensorsValid {
		b.WriteString(p.st.warning.Render("sensors unavailable") + "\n")
	} else {
		fmt.Fprintf(&b, "%s %.1f K  %s %.1f%%  %s %.2f\n",
			p.st.label.Render("Temp:"), s.Temperature,
			p.st.label.Render("Damage:"), s.Damage,
			p.st.label.Render("Burn:"), s.BurnRate)
		fmt.Fprintf(&b, "%s %.0f%%  %s %.0f%%  %s %.0f%%  %s %.0f%%\n",
			p.st.label.Render("Coolant:"), s.CoolantFill*100,
			p.st.label.Render("Heated:"), s.HeatedCoolantFill*100,
			p.st.label.Render("Fuel:"), s.FuelFill*100,
			p.st.label.Render("Waste:"), s.WasteFill*100)
	}

	fmt.Fprintf(&b, "%s %v @ %.2f   %s formed=%v present=%v degraded=%v",
		p.st.label.Render("Setpoint:"), r.BurnEnabled, r.BurnRate,
		p.st.label.Render("Plant:"), r.Plant.DeviceFormed, r.Plant.DevicePresent, r.Plant.Degraded)

	return p.st.box.Render(b.String())
}
