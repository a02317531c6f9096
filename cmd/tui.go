// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/vnlink/pkg/asyncerr"
	"github.com/Thermoquad/vnlink/pkg/cmdtrack"
	"github.com/Thermoquad/vnlink/pkg/sensor"
	"github.com/Thermoquad/vnlink/pkg/vnproto"
)

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for info
}

// TUI model
type monitorModel struct {
	sensor        *sensor.Sensor
	connInfo      string
	showAll       bool
	connectedAt   time.Time
	stats         sensor.Stats
	latest        string
	latestAt      time.Time
	eventLog      []eventLogEntry
	maxLogEntries int
	commandInput  textinput.Model
	sending       bool
	ended         bool
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type packetMsg struct {
	packet vnproto.Packet
}
type asyncErrorMsg struct {
	err *asyncerr.Error
}
type commandResultMsg struct {
	body   string
	result cmdtrack.Result
	err    error
}
type streamEndedMsg struct{}

// formatUptime formats a duration in milliseconds to human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	plural := func(n uint64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialMonitorModel(s *sensor.Sensor, connInfo string, showAll bool) monitorModel {
	// Command entry, without '$' and checksum
	ti := textinput.New()
	ti.Placeholder = "VNRRG,01"
	ti.Prompt = "$ "
	ti.CharLimit = 128
	ti.Width = 40
	ti.Focus()

	return monitorModel{
		sensor:        s,
		connInfo:      connInfo,
		showAll:       showAll,
		connectedAt:   time.Now(),
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		commandInput:  ti,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		textinput.Blink,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// sendCommandCmd runs a blocking command submission off the UI goroutine
func sendCommandCmd(s *sensor.Sensor, body string) tea.Cmd {
	return func() tea.Msg {
		res, err := s.SendCommand(context.Background(), vnproto.Generic(body), sensor.BlockWithRetry)
		return commandResultMsg{body: body, result: res, err: err}
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			body := strings.TrimSpace(m.commandInput.Value())
			if body == "" || m.sending || m.ended {
				return m, nil
			}
			m.commandInput.Reset()
			m.sending = true
			m.addLogEntry(fmt.Sprintf("Sent $%s", body), false)
			return m, sendCommandCmd(m.sensor, body)
		}
		var cmd tea.Cmd
		m.commandInput, cmd = m.commandInput.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.refresh()
		return m, tickCmd()

	case packetMsg:
		switch p := msg.packet.(type) {
		case *vnproto.AsciiPacket:
			m.addLogEntry(p.Line(), false)
		case *vnproto.BinaryPacket:
			m.addLogEntry(fmt.Sprintf("Binary %s (%d bytes)", p.Header(), len(p.Bytes())), false)
		}

	case asyncErrorMsg:
		switch msg.err.Kind {
		case asyncerr.EndOfStream:
			m.addLogEntry("End of stream", false)
		case asyncerr.ErrorsDropped:
			m.addLogEntry(fmt.Sprintf("%d errors dropped", msg.err.Count), true)
		default:
			m.addLogEntry(msg.err.Error(), true)
		}

	case commandResultMsg:
		m.sending = false
		var sensorErr *cmdtrack.SensorError
		switch {
		case msg.err == nil:
			m.addLogEntry(fmt.Sprintf("Response %s (%s)", msg.result.Response.Line(),
				msg.result.RespondedAt.Sub(msg.result.SubmittedAt).Round(time.Millisecond)), false)
		case errors.As(msg.err, &sensorErr):
			m.addLogEntry(fmt.Sprintf("$%s: sensor error %d (%s)", msg.body, sensorErr.Code, sensorErr.Code), true)
		default:
			m.addLogEntry(fmt.Sprintf("$%s: %v", msg.body, msg.err), true)
		}

	case streamEndedMsg:
		m.ended = true
		m.commandInput.Blur()
		m.refresh()
	}

	return m, nil
}

// refresh takes a snapshot of the sensor counters and latest measurement
func (m *monitorModel) refresh() {
	if stats, err := m.sensor.Stats(); err == nil {
		stats.Framer.CalculateRates(time.Now())
		m.stats = stats
	}
	if q := m.sensor.Measurements(); q != nil {
		if c, ok := q.MostRecent(); ok {
			m.latest = c.String()
			m.latestAt = c.Timestamp()
		}
	}
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	entry := eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("VNLINK - MONITOR"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All packets"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | Press Esc to quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	if m.ended {
		s.WriteString(warningStyle.Render("Stream ended"))
	} else {
		uptime := uint64(time.Since(m.connectedAt).Milliseconds())
		s.WriteString(statsValueStyle.Render("Connected for " + formatUptime(uptime)))
	}
	s.WriteString("\n\n")

	// Statistics
	f := m.stats.Framer
	var framedPercent float64
	if f.BytesIn > 0 {
		framedPercent = float64(f.BytesIn-f.TotalSkipped()) * 100.0 / float64(f.BytesIn)
	}
	failures := f.ChecksumFailures + f.MalformedFrames

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("ASCII:"), statsValueStyle.Render(fmt.Sprintf("%d", f.AsciiPackets)),
		statsLabelStyle.Render("Binary:"), statsValueStyle.Render(fmt.Sprintf("%d", f.BinaryPackets)),
		statsLabelStyle.Render("Bytes:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%% framed)", f.BytesIn, framedPercent)),
	))

	if failures > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Checksum Errors:"), errorStyle.Render(fmt.Sprintf("%d", f.ChecksumFailures)),
			statsLabelStyle.Render("Malformed:"), errorStyle.Render(fmt.Sprintf("%d", f.MalformedFrames)),
		))
	}

	if skipped := f.TotalSkipped(); skipped > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s",
			statsLabelStyle.Render("Skipped:"), warningStyle.Render(fmt.Sprintf("%d", skipped)),
		))
		var reasons []string
		for _, r := range vnproto.SkipReasons() {
			if n := f.Skipped(r); n > 0 {
				reasons = append(reasons, fmt.Sprintf("%s: %d", headerStyle.Render(r.String()), n))
			}
		}
		statsContent.WriteString(" (" + strings.Join(reasons, ", ") + ")\n")
	}

	if m.stats.Buffer.Overruns > 0 || m.stats.MeasurementsDropped > 0 || m.stats.ErrorsDropped > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("Overruns:"), errorStyle.Render(fmt.Sprintf("%d", m.stats.Buffer.Overruns)),
			statsLabelStyle.Render("Measurement Drops:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.MeasurementsDropped)),
			statsLabelStyle.Render("Error Drops:"), warningStyle.Render(fmt.Sprintf("%d", m.stats.ErrorsDropped)),
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		statsLabelStyle.Render("Packet Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f pkts/s", f.PacketRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if f.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", f.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", f.ErrorRate))
		}(),
		statsLabelStyle.Render("Pending Commands:"), statsValueStyle.Render(fmt.Sprintf("%d", m.stats.Outstanding)),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Latest measurement (only shown once one has been received)
	if m.latest != "" {
		s.WriteString(statsLabelStyle.Render("Latest Measurement:"))
		s.WriteString(" ")
		s.WriteString(headerStyle.Render(m.latestAt.Format("15:04:05.000")))
		s.WriteString("\n")
		s.WriteString(boxStyle.Width(m.width - 4).Render(m.latest))
		s.WriteString("\n\n")
	}

	// Command entry
	s.WriteString(statsLabelStyle.Render("Command:"))
	s.WriteString(" ")
	s.WriteString(m.commandInput.View())
	if m.sending {
		s.WriteString(warningStyle.Render("  waiting for response..."))
	}
	s.WriteString("\n\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	// Calculate how many log entries we can show
	logHeight := m.height - 20 // Reserve space for header, stats and measurement
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
