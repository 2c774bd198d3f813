// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/rpsplc/pkg/link"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	consoleCommandTimeout = 5 * time.Second
	consoleMaxLogEntries  = 100
)

// Focus states
const (
	focusActions = iota
	focusRateInput
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// consoleClient is the session the console drives
type consoleClient interface {
	Command(ctx context.Context, op link.CommandOp, value float64, reason string) (link.CommandAck, error)
	Statistics() *link.Statistics
	RTT() time.Duration
}

// action is one entry in the action list
type action struct {
	title string
	desc  string
	op    link.CommandOp
	value float64

	// needsRate takes the value from the burn-rate input
	needsRate bool
}

// Implement list.Item interface
func (a action) Title() string       { return a.title }
func (a action) Description() string { return a.desc }
func (a action) FilterValue() string { return a.title }

var consoleActions = []list.Item{
	action{title: "SCRAM", desc: "Trip the RPS now", op: link.OpScram},
	action{title: "Reset", desc: "Clear latched flags", op: link.OpReset},
	action{title: "Burn on", desc: "Enable burning", op: link.OpEnableBurn, value: 1},
	action{title: "Burn off", desc: "Disable burning", op: link.OpEnableBurn},
	action{title: "Set burn rate", desc: "Apply the rate input", op: link.OpSetBurnRate, needsRate: true},
}

type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// consoleModel is the Bubble Tea model for the supervisor console
type consoleModel struct {
	ctx      context.Context
	client   consoleClient
	connInfo string

	// Latest status report
	latest  *link.StatusReport
	reports uint64

	// Controls
	actions      list.Model
	rateInput    textinput.Model
	focusedField int
	pending      bool

	// Event log
	log []logEntry

	// UI state
	width    int
	height   int
	quitting bool
	linkLost bool
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type consoleTickMsg time.Time

type consoleStatusMsg struct {
	report link.StatusReport
}

type consoleAckMsg struct {
	op  link.CommandOp
	ack link.CommandAck
	err error
}

type consoleLinkLostMsg struct{}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialConsoleModel(ctx context.Context, client consoleClient, connInfo string) consoleModel {
	ti := textinput.New()
	ti.Placeholder = "1.0"
	ti.CharLimit = 8
	ti.Width = 10

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	actions := list.New(consoleActions, delegate, 30, 14)
	actions.Title = "Actions"
	actions.SetShowStatusBar(false)
	actions.SetShowHelp(false)
	actions.SetFilteringEnabled(false)

	return consoleModel{
		ctx:          ctx,
		client:       client,
		connInfo:     connInfo,
		actions:      actions,
		rateInput:    ti,
		focusedField: focusActions,
		width:        80,
		height:       24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return consoleTickCmd()
}

func consoleTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return consoleTickMsg(t)
	})
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case consoleTickMsg:
		return m, consoleTickCmd()

	case consoleStatusMsg:
		report := msg.report
		if m.latest == nil || m.latest.Tripped != report.Tripped {
			if report.Tripped {
				m.addLogEntry(fmt.Sprintf("RPS tripped: %s", strings.Join(report.Latched(), ", ")), true)
			} else if m.latest != nil {
				m.addLogEntry("RPS nominal", false)
			}
		}
		if report.Final {
			m.addLogEntry("PLC shutting down", true)
		}
		m.latest = &report
		m.reports++
		return m, nil

	case consoleAckMsg:
		m.pending = false
		switch {
		case msg.err != nil && len(msg.ack.Held) > 0:
			m.addLogEntry(fmt.Sprintf("%s refused, held: %s", msg.op, strings.Join(msg.ack.Held, ", ")), true)
		case msg.err != nil:
			m.addLogEntry(fmt.Sprintf("%s failed: %v", msg.op, msg.err), true)
		default:
			m.addLogEntry(fmt.Sprintf("%s ok", msg.op), false)
		}
		return m, nil

	case consoleLinkLostMsg:
		m.linkLost = true
		m.addLogEntry("Session ended - press q to quit", true)
		return m, nil
	}

	var cmd tea.Cmd
	if m.focusedField == focusRateInput {
		m.rateInput, cmd = m.rateInput.Update(msg)
	} else {
		m.actions, cmd = m.actions.Update(msg)
	}
	return m, cmd
}

func (m consoleModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		if m.focusedField != focusRateInput {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab", "shift+tab":
		return m.toggleFocus(), nil

	case "enter":
		return m.handleEnter()
	}

	var cmd tea.Cmd
	if m.focusedField == focusRateInput {
		m.rateInput, cmd = m.rateInput.Update(msg)
	} else {
		m.actions, cmd = m.actions.Update(msg)
	}
	return m, cmd
}

func (m consoleModel) toggleFocus() consoleModel {
	if m.focusedField == focusActions {
		m.focusedField = focusRateInput
		m.rateInput.Focus()
	} else {
		m.focusedField = focusActions
		m.rateInput.Blur()
	}
	return m
}

func (m consoleModel) handleEnter() (tea.Model, tea.Cmd) {
	if m.linkLost {
		m.addLogEntry("Cannot send command: session ended", true)
		return m, nil
	}
	if m.pending {
		return m, nil
	}

	a := action{op: link.OpSetBurnRate, needsRate: true}
	if m.focusedField == focusActions {
		selected, ok := m.actions.SelectedItem().(action)
		if !ok {
			return m, nil
		}
		a = selected
	}

	value := a.value
	if a.needsRate {
		rate, err := strconv.ParseFloat(strings.TrimSpace(m.rateInput.Value()), 64)
		if err != nil {
			m.addLogEntry(fmt.Sprintf("Invalid burn rate %q", m.rateInput.Value()), true)
			return m, nil
		}
		value = rate
	}

	m.pending = true
	m.addLogEntry(fmt.Sprintf("Sending %s", a.op), false)
	return m, m.sendCommand(a.op, value)
}

// sendCommand runs the command off the UI loop and reports the ack
func (m consoleModel) sendCommand(op link.CommandOp, value float64) tea.Cmd {
	client, parent := m.client, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, consoleCommandTimeout)
		defer cancel()
		ack, err := client.Command(ctx, op, value, "console operator")
		return consoleAckMsg{op: op, ack: ack, err: err}
	}
}

func (m *consoleModel) addLogEntry(message string, isError bool) {
	m.log = append(m.log, logEntry{timestamp: time.Now(), message: message, isError: isError})
	if len(m.log) > consoleMaxLogEntries {
		m.log = m.log[len(m.log)-consoleMaxLogEntries:]
	}
}

//////////////////////////////////////////////////////////////
// View
//////////////////////////////////////////////////////////////

type consoleStyles struct {
	title, header, label, value, alarm, warning, ok lipgloss.Style
	box, focusedBox                                 lipgloss.Style
}

func newConsoleStyles() consoleStyles {
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)
	return consoleStyles{
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1),
		header:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		label:      lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		value:      lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		alarm:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		warning:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		ok:         lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		box:        box,
		focusedBox: box.BorderForeground(lipgloss.Color("12")),
	}
}

func (m consoleModel) View() string {
	if m.quitting {
		return "Closing session...\n"
	}

	st := newConsoleStyles()
	var s strings.Builder

	s.WriteString(st.title.Render("RPSPLC CONSOLE"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.linkLost {
		connStatus = st.warning.Render("SESSION ENDED")
	}
	s.WriteString(st.header.Render(fmt.Sprintf("| %s | q=quit Tab=switch Enter=run", connStatus)))
	s.WriteString("\n\n")

	leftWidth := 32
	rightWidth := m.width - leftWidth - 6
	if rightWidth < 40 {
		rightWidth = 40
	}

	listStyle := st.box.Width(leftWidth)
	if m.focusedField == focusActions {
		listStyle = st.focusedBox.Width(leftWidth)
	}
	left := listStyle.Render(m.actions.View())
	right := st.box.Width(rightWidth).Render(m.renderStatus(st))

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right))
	s.WriteString("\n\n")
	s.WriteString(m.renderStatisticsBar(st))
	s.WriteString("\n\n")
	s.WriteString(m.renderEventLog(st))

	return s.String()
}

func (m consoleModel) renderStatus(st consoleStyles) string {
	var s strings.Builder

	if m.latest == nil {
		s.WriteString(st.warning.Render("Waiting for status..."))
		s.WriteString("\n\n")
		s.WriteString(m.renderRateInput(st))
		return s.String()
	}
	r := m.latest

	state := st.ok.Render(r.State().String())
	if r.Tripped {
		state = st.alarm.Render(r.State().String())
	}
	s.WriteString(fmt.Sprintf("%s %s  %s %d\n", st.label.Render("RPS:"), state, st.label.Render("Cycle:"), r.Cycle))
	if r.Cause != "" {
		s.WriteString(fmt.Sprintf("%s %s\n", st.label.Render("Cause:"), st.alarm.Render(r.Cause)))
	}

	var latched []string
	for _, f := range r.Flags {
		if f.Latched {
			latched = append(latched, f.Name)
		}
	}
	if len(latched) > 0 {
		s.WriteString(fmt.Sprintf("%s %s\n", st.label.Render("Latched:"), st.alarm.Render(strings.Join(latched, ", "))))
	}
	s.WriteString("\n")

	if r.SensorsValid {
		sn := r.Sensors
		s.WriteString(fmt.Sprintf("%s %s  %s %s  %s %s\n",
			st.label.Render("Temp:"), st.value.Render(fmt.Sprintf("%.1f K", sn.Temperature)),
			st.label.Render("Damage:"), st.value.Render(fmt.Sprintf("%.1f%%", sn.Damage)),
			st.label.Render("Burn:"), st.value.Render(fmt.Sprintf("%.2f", sn.BurnRate))))
		s.WriteString(fmt.Sprintf("%s %s  %s %s  %s %s\n",
			st.label.Render("Coolant:"), st.value.Render(fmt.Sprintf("%.0f%%", sn.CoolantFill*100)),
			st.label.Render("Fuel:"), st.value.Render(fmt.Sprintf("%.0f%%", sn.FuelFill*100)),
			st.label.Render("Waste:"), st.value.Render(fmt.Sprintf("%.0f%%", sn.WasteFill*100))))
	} else {
		s.WriteString(st.warning.Render("Sensors unavailable") + "\n")
	}

	burn := st.header.Render("off")
	if r.BurnEnabled {
		burn = st.ok.Render("on")
	}
	s.WriteString(fmt.Sprintf("%s %s @ %.2f", st.label.Render("Setpoint:"), burn, r.BurnRate))
	if r.Plant.Degraded {
		s.WriteString("  " + st.warning.Render("DEGRADED"))
	}
	s.WriteString("\n\n")
	s.WriteString(m.renderRateInput(st))
	return s.String()
}

func (m consoleModel) renderRateInput(st consoleStyles) string {
	if m.focusedField == focusRateInput {
		return st.label.Render("Burn rate: ") + m.rateInput.View()
	}
	val := m.rateInput.Value()
	if val == "" {
		val = m.rateInput.Placeholder
	}
	return st.label.Render("Burn rate: ") + fmt.Sprintf("[%s]", val)
}

func (m consoleModel) renderStatisticsBar(st consoleStyles) string {
	c := m.client.Statistics().Counters()
	var errorPercent float64
	if c.TotalPackets > 0 {
		errorPercent = float64(c.Errors()) * 100.0 / float64(c.TotalPackets)
	}

	errors := st.value.Render("0.0%")
	if errorPercent > 0 {
		errors = st.alarm.Render(fmt.Sprintf("%.1f%%", errorPercent))
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s  %s %s",
		st.label.Render("Packets:"), st.value.Render(fmt.Sprintf("%d", c.TotalPackets)),
		st.label.Render("Errors:"), errors,
		st.label.Render("Rejected:"), st.value.Render(fmt.Sprintf("%d", c.Rejected)),
		st.label.Render("Reports:"), st.value.Render(fmt.Sprintf("%d", m.reports)),
		st.label.Render("RTT:"), st.value.Render(m.client.RTT().String()),
	)
	return st.box.Width(m.width - 4).Render(content)
}

func (m consoleModel) renderEventLog(st consoleStyles) string {
	var s strings.Builder
	s.WriteString(st.label.Render("EVENTS"))
	s.WriteString("\n")

	logHeight := 8
	start := len(m.log) - logHeight
	if start < 0 {
		start = 0
	}

	if len(m.log) == 0 {
		s.WriteString(st.header.Render("  (no events yet)"))
	}
	for _, entry := range m.log[start:] {
		icon, style := "i", st.warning
		if entry.isError {
			icon, style = "x", st.alarm
		}
		s.WriteString(fmt.Sprintf("%s %s %s\n",
			st.header.Render(entry.timestamp.Format("15:04:05.000")),
			style.Render(icon),
			entry.message))
	}

	return st.box.Width(m.width - 4).Render(s.String())
}
