// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"periph.io/x/conn/v3/physic"

	"github.com/Thermoquad/clockbox/pkg/client"
	"github.com/Thermoquad/clockbox/pkg/command"
	"github.com/Thermoquad/clockbox/pkg/si570"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	paletteWidth = 30
	logLines     = 10
)

// Focus states
const (
	focusPalette = iota
	focusInput
	focusLog
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// paletteItem is a single-character device command
type paletteItem struct {
	key   byte
	title string
	desc  string
}

// Implement list.Item interface
func (p paletteItem) Title() string       { return fmt.Sprintf("%c  %s", p.key, p.title) }
func (p paletteItem) Description() string { return p.desc }
func (p paletteItem) FilterValue() string { return p.title }

var paletteItems = []list.Item{
	paletteItem{command.CmdInfo, "Power-up", "values captured at boot"},
	paletteItem{command.CmdRead, "Read", "live oscillator registers"},
	paletteItem{command.CmdFlash, "Flash", "stored configuration"},
	paletteItem{command.CmdHelp, "Help", "device usage text"},
}

// block is the last known value of one register set
type block struct {
	regs   si570.Registers
	valid  bool
	status string
	at     time.Time
}

// update records a response, keeping the last good registers on failure.
func (b *block) update(resp client.Response, at time.Time) {
	b.status = resp.Status
	b.at = at
	if resp.HasRegisters {
		b.regs = resp.Registers
		b.valid = true
	}
}

// consoleModel is the Bubble Tea model for the console TUI
type consoleModel struct {
	// Connection manager (for sending commands and reconnection)
	connMgr  *connectionManager
	connInfo string

	// Frequency context
	f0    physic.Frequency
	fxtal physic.Frequency

	// Register state
	powerUp block
	live    block
	stored  block

	// Widgets
	palette      list.Model
	input        textinput.Model
	log          viewport.Model
	focusedField int

	// Log and counters
	errorLog      []errorLogEntry
	maxLogEntries int
	requests      int
	failures      int
	lastRTT       time.Duration

	// UI state
	width          int
	height         int
	quitting       bool
	connectionLost bool
	lastRefresh    time.Time
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type consoleTickMsg time.Time

type responseMsg struct {
	command string
	resp    client.Response
	help    string
	err     error
	rtt     time.Duration
	quiet   bool
}

type connectionLostMsg struct{}

type reconnectedMsg struct {
	connInfo string
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialConsoleModel(connMgr *connectionManager, connInfo string, f0 physic.Frequency) consoleModel {
	ti := textinput.New()
	ti.Placeholder = "w 01 c2 bc 81 83 02"
	ti.Prompt = "> "
	ti.CharLimit = 64
	ti.Width = 40

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	palette := list.New(paletteItems, delegate, paletteWidth, logLines+2)
	palette.Title = "Commands"
	palette.SetShowStatusBar(false)
	palette.SetShowHelp(false)
	palette.SetFilteringEnabled(false)

	return consoleModel{
		connMgr:       connMgr,
		connInfo:      connInfo,
		f0:            f0,
		palette:       palette,
		input:         ti,
		log:           viewport.New(40, logLines),
		focusedField:  focusPalette,
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 500,
		width:         80,
		height:        24,
		lastRefresh:   time.Now(),
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m consoleModel) Init() tea.Cmd {
	return tea.Batch(consoleTickCmd(), m.initialRequests())
}

func consoleTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return consoleTickMsg(t)
	})
}

func (m consoleModel) initialRequests() tea.Cmd {
	return tea.Sequence(
		m.request(string(command.CmdInfo), true),
		m.request(string(command.CmdFlash), true),
		m.request(string(command.CmdRead), true),
	)
}

// request sends one command on the current client.
func (m consoleModel) request(line string, quiet bool) tea.Cmd {
	c := m.connMgr.getClient()
	return func() tea.Msg {
		start := time.Now()
		msg := responseMsg{command: line, quiet: quiet}
		if line == string(command.CmdHelp) {
			msg.help, msg.err = c.Help(context.Background())
		} else {
			msg.resp, msg.err = c.Do(context.Background(), line)
		}
		msg.rtt = time.Since(start)
		if errors.Is(msg.err, client.ErrClosed) {
			return connectionLostMsg{}
		}
		return msg
	}
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateLayout()

	case consoleTickMsg:
		cmds = append(cmds, consoleTickCmd())
		if consoleRefresh > 0 && !m.connectionLost && time.Since(m.lastRefresh) >= consoleRefresh {
			m.lastRefresh = time.Now()
			cmds = append(cmds, m.request(string(command.CmdRead), true))
		}
		return m, tea.Batch(cmds...)

	case responseMsg:
		m.handleResponse(msg)

	case connectionLostMsg:
		if !m.connectionLost {
			m.connectionLost = true
			m.addLogEntry("Connection lost - reconnecting...", true)
		}
		m.connMgr.startReconnect()

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.addLogEntry("Reconnected - refreshing registers", false)
		return m, m.initialRequests()
	}

	// Update child components
	var cmd tea.Cmd
	switch m.focusedField {
	case focusInput:
		m.input, cmd = m.input.Update(msg)
	case focusPalette:
		m.palette, cmd = m.palette.Update(msg)
	case focusLog:
		m.log, cmd = m.log.Update(msg)
	}
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m consoleModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		if m.focusedField != focusInput {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab":
		m.cycleFocus(1)
		return m, nil

	case "shift+tab":
		m.cycleFocus(-1)
		return m, nil

	case "enter":
		return m.handleEnter()
	}

	// Pass through to focused component
	var cmd tea.Cmd
	switch m.focusedField {
	case focusInput:
		m.input, cmd = m.input.Update(msg)
	case focusPalette:
		m.palette, cmd = m.palette.Update(msg)
	case focusLog:
		m.log, cmd = m.log.Update(msg)
	}
	return m, cmd
}

func (m *consoleModel) cycleFocus(delta int) {
	const maxFocus = focusLog
	m.focusedField = (m.focusedField + delta + maxFocus + 1) % (maxFocus + 1)

	if m.focusedField == focusInput {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

func (m consoleModel) handleEnter() (tea.Model, tea.Cmd) {
	// Don't send commands while connection is lost
	if m.connectionLost {
		m.addLogEntry("Cannot send command: connection lost", true)
		return m, nil
	}

	switch m.focusedField {
	case focusPalette:
		item, ok := m.palette.SelectedItem().(paletteItem)
		if !ok {
			return m, nil
		}
		m.addLogEntry("> "+string(item.key), false)
		return m, m.request(string(item.key), false)

	case focusInput:
		line, err := normalizeCommand(m.input.Value())
		if err != nil {
			m.addLogEntry(err.Error(), true)
			return m, nil
		}
		m.input.Reset()
		m.addLogEntry("> "+line, false)
		return m, m.request(line, false)
	}
	return m, nil
}

// normalizeCommand turns a typed command line into the string sent to the
// device. Only commands that produce a response are accepted.
func normalizeCommand(line string) (string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("empty command")
	}
	switch line[0] {
	case command.CmdInfo, command.CmdRead, command.CmdFlash, command.CmdHelp:
		if len(line) != 1 {
			return "", fmt.Errorf("'%c' takes no arguments", line[0])
		}
		return line, nil
	case command.CmdWrite:
		regs, err := parseBlock(line[1:])
		if err != nil {
			return "", err
		}
		return "w " + regs.Hex(), nil
	}
	return "", fmt.Errorf("unknown command %q (use i, r, f, ? or w)", line)
}

func (m *consoleModel) handleResponse(msg responseMsg) {
	m.requests++
	m.lastRTT = msg.rtt

	if msg.help != "" {
		for _, line := range strings.Split(msg.help, "\n") {
			m.addLogEntry("  "+line, false)
		}
	}

	resp := msg.resp
	var respErr *client.ResponseError
	if msg.err != nil && !errors.As(msg.err, &respErr) {
		m.failures++
		m.addLogEntry(fmt.Sprintf("%s: %v", msg.command, msg.err), true)
		return
	}
	if respErr != nil {
		m.failures++
	}

	now := time.Now()
	switch resp.Command {
	case command.CmdInfo:
		m.powerUp = block{regs: resp.Registers, valid: true, at: now}
		m.updateCrystal()
	case command.CmdRead:
		m.live.update(resp, now)
	case command.CmdFlash:
		m.stored.update(resp, now)
	case command.CmdWrite:
		m.stored = block{regs: resp.Registers, valid: true, at: now}
		if resp.Status == command.TokenConfigDone {
			m.live = block{regs: resp.Registers, valid: true, at: now}
		} else {
			m.live.status = resp.Status
		}
	}

	if msg.quiet && respErr == nil {
		return
	}
	if msg.help == "" {
		m.addLogEntry("< "+resp.String(), respErr != nil)
	}
}

func (m *consoleModel) updateCrystal() {
	if m.f0 == 0 || !m.powerUp.valid {
		return
	}
	fxtal, err := m.powerUp.regs.FXtal(m.f0)
	if err != nil {
		m.addLogEntry(fmt.Sprintf("Crystal frequency: %v", err), true)
		return
	}
	m.fxtal = fxtal
}

func (m *consoleModel) updateLayout() {
	logWidth := m.width - paletteWidth - 8
	if logWidth < 20 {
		logWidth = 20
	}
	m.log.Width = logWidth
	m.input.Width = logWidth - 4
	m.palette.SetSize(paletteWidth, logLines+2)
	m.refreshLog()
}

func (m *consoleModel) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
	m.refreshLog()
}

func (m *consoleModel) refreshLog() {
	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	var s strings.Builder
	for i, entry := range m.errorLog {
		if i > 0 {
			s.WriteString("\n")
		}
		message := entry.message
		if entry.isError {
			message = errorStyle.Render(message)
		}
		s.WriteString(fmt.Sprintf("%s %s", headerStyle.Render(entry.timestamp.Format("15:04:05")), message))
	}
	m.log.SetContent(s.String())
	m.log.GotoBottom()
}

func (m consoleModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

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

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	s.WriteString(titleStyle.Render("CLOCKBOX CONSOLE"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | Tab=switch Enter=send q=quit", connStatus)))
	s.WriteString("\n")
	s.WriteString(fmt.Sprintf(" %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Requests:"), statsValueStyle.Render(fmt.Sprintf("%d", m.requests)),
		statsLabelStyle.Render("Failures:"), func() string {
			if m.failures > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", m.failures))
			}
			return statsValueStyle.Render("0")
		}(),
		statsLabelStyle.Render("RTT:"), statsValueStyle.Render(m.lastRTT.Round(time.Millisecond).String()),
	))
	if m.fxtal > 0 {
		s.WriteString(fmt.Sprintf("  %s %s", statsLabelStyle.Render("Crystal:"), statsValueStyle.Render(m.fxtal.String())))
	}
	s.WriteString("\n\n")

	// Register blocks
	blockWidth := (m.width - 8) / 3
	if blockWidth < 24 {
		blockWidth = 24
	}
	renderBlock := func(title string, b block) string {
		var c strings.Builder
		c.WriteString(statsLabelStyle.Render(title))
		c.WriteString("\n")
		switch {
		case b.status == command.TokenBusError || b.status == command.TokenFlashError:
			c.WriteString(errorStyle.Render(b.status))
			if b.valid {
				c.WriteString("\n" + headerStyle.Render("last: "+b.regs.Hex()))
			}
		case !b.valid:
			c.WriteString(headerStyle.Render("(unknown)"))
		default:
			c.WriteString(statsValueStyle.Render(b.regs.Hex()))
			c.WriteString(fmt.Sprintf("\nHS_DIV %d  N1 %d", b.regs.HSDiv(), b.regs.N1()))
			c.WriteString(fmt.Sprintf("\nRFFREQ %.9f", b.regs.RFFreq()))
			if m.fxtal > 0 {
				c.WriteString(fmt.Sprintf("\nOutput %s", b.regs.Output(m.fxtal)))
			}
		}
		return boxStyle.Width(blockWidth).Render(c.String())
	}
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		renderBlock("POWER-UP", m.powerUp), " ",
		renderBlock("LIVE", m.live), " ",
		renderBlock("FLASH", m.stored),
	))
	s.WriteString("\n\n")

	// Palette | command line and log
	paletteStyle := boxStyle.Width(paletteWidth)
	if m.focusedField == focusPalette {
		paletteStyle = focusedBoxStyle.Width(paletteWidth)
	}
	inputStyle := boxStyle.Width(m.log.Width)
	if m.focusedField == focusInput {
		inputStyle = focusedBoxStyle.Width(m.log.Width)
	}
	logStyle := boxStyle.Width(m.log.Width)
	if m.focusedField == focusLog {
		logStyle = focusedBoxStyle.Width(m.log.Width)
	}

	right := lipgloss.JoinVertical(lipgloss.Left,
		inputStyle.Render(m.input.View()),
		logStyle.Render(m.log.View()),
	)
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, paletteStyle.Render(m.palette.View()), " ", right))

	return s.String()
}
