// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/physic"

	"github.com/Thermoquad/clockbox/pkg/client"
)

var (
	consoleRefresh time.Duration
	consoleStartup string
)

var consoleCmd = &cobra.Command{
	Use:     "console",
	Aliases: []string{"control"},
	Short:   "Interactive TUI for configuring the oscillator",
	Long: `Configure a clockbox device via an interactive terminal UI.

Features:
  - Power-up, live and flash register blocks side by side, decoded
  - Command palette (i, r, f, ?) and a free-form command line
  - Write blocks with 'w 01 c2 bc 81 83 02'
  - Periodic refresh of the live registers
  - Automatic reconnection on connection loss

Tab switches between the command palette, the command line and the response
log. With --startup the crystal and output frequencies are shown as well.

Supports both serial and WebSocket connections.`,
	Args: cobra.NoArgs,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().DurationVar(&consoleRefresh, "refresh", 5*time.Second, "Live register refresh interval (0 disables)")
	consoleCmd.Flags().StringVar(&consoleStartup, "startup", "", "Factory startup frequency, e.g. 156.25MHz")
}

// connectionManager handles connection lifecycle and reconnection
type connectionManager struct {
	conn         Connection
	client       *client.Client
	connInfo     string
	mu           sync.RWMutex
	p            *tea.Program
	done         chan struct{}
	reconnecting bool
}

func (cm *connectionManager) getClient() *client.Client {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client
}

func (cm *connectionManager) setConn(conn Connection, connInfo string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.conn = conn
	cm.connInfo = connInfo
	cm.client = client.New(conn, client.WithTimeout(requestTimeout), client.WithLogger(logger))
}

func (cm *connectionManager) close() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.conn != nil {
		cm.conn.Close()
	}
}

func runConsole(cmd *cobra.Command, args []string) error {
	var f0 physic.Frequency
	if consoleStartup != "" {
		var err error
		if f0, err = parseFrequency(consoleStartup); err != nil {
			return err
		}
	}

	// Open initial connection (serial or WebSocket)
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}

	cm := &connectionManager{done: make(chan struct{})}
	cm.setConn(conn, connInfo)

	m := initialConsoleModel(cm, connInfo, f0)

	// Create TUI program with alt screen and mouse support
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	cm.p = p

	_, err = p.Run()
	close(cm.done) // Signal goroutines to stop
	cm.close()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// startReconnect begins reconnecting in the background unless a reconnect
// is already running.
func (cm *connectionManager) startReconnect() {
	cm.mu.Lock()
	if cm.reconnecting {
		cm.mu.Unlock()
		return
	}
	cm.reconnecting = true
	cm.mu.Unlock()

	go func() {
		ok := cm.reconnect()
		cm.mu.Lock()
		cm.reconnecting = false
		cm.mu.Unlock()
		if !ok {
			return
		}
		cm.mu.RLock()
		info := cm.connInfo
		cm.mu.RUnlock()
		cm.p.Send(reconnectedMsg{connInfo: info})
	}()
}

// reconnect attempts to reconnect with exponential backoff
// Returns false if shutdown was requested during reconnection
func (cm *connectionManager) reconnect() bool {
	cm.close()

	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-cm.done:
			return false
		case <-time.After(backoff):
		}

		conn, connInfo, err := OpenConnection()
		if err == nil {
			cm.setConn(conn, connInfo)
			return true
		}
		logger.Debug().Err(err).Dur("backoff", backoff).Msg("reconnect failed")

		// Exponential backoff
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
