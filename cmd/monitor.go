// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"periph.io/x/conn/v3/physic"

	"github.com/Thermoquad/clockbox/pkg/monitor"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
	pollInterval  time.Duration
	monitorFlash  bool
	monitorF0     string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll the oscillator and detect register anomalies",
	Long: `Repeatedly read the live registers and track errors with statistics.

Each poll validates the register block and detects:
  - Bus errors reported by the device (i2c_err)
  - Timeouts and broken connections
  - Reserved HS_DIV codes, illegal odd N1 values and zero RFFREQ
  - DCO outside 4.85-5.67 GHz (needs --startup to know the crystal)
  - Drift between the live registers and flash (--compare-flash)

By default, only errors are displayed. Use --show-all to display valid polls too.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all polls (not just errors)")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
	monitorCmd.Flags().DurationVar(&pollInterval, "interval", time.Second, "Delay between polls")
	monitorCmd.Flags().BoolVar(&monitorFlash, "compare-flash", false, "Also read flash and report drift")
	monitorCmd.Flags().StringVar(&monitorF0, "startup", "", "Factory startup frequency, enables the DCO range check")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	c, conn, connInfo := OpenClient()
	defer conn.Close()

	var opts []monitor.Option
	if monitorFlash {
		opts = append(opts, monitor.WithFlashCompare())
	}
	if monitorF0 != "" {
		f0, err := parseFrequency(monitorF0)
		if err != nil {
			return err
		}
		startup, err := c.Info(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAILED reading power-up values: %v\n", err)
			os.Exit(1)
		}
		fxtal, err := startup.FXtal(f0)
		if err != nil {
			return err
		}
		opts = append(opts, monitor.WithCrystal(fxtal))
	}
	poller := monitor.NewPoller(c, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if useTUI {
		return runTUIMode(ctx, poller, connInfo)
	}
	return runTextMode(ctx, poller, connInfo)
}

// poll runs the poller until ctx ends, delivering each sample to deliver.
func poll(ctx context.Context, poller *monitor.Poller, deliver func(monitor.Sample)) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		deliver(poller.Poll(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// printPollError prints a failed poll in highlighted format
func printPollError(s monitor.Sample) {
	timestamp := s.Time.Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mPOLL ERROR:\033[0m %v\n", timestamp, s.Err)
	fmt.Printf("  >>> POLL FAILED <<<\n\n")
}

// printValidationErrors prints the anomalies found in a sample
func printValidationErrors(s monitor.Sample) {
	timestamp := s.Time.Format("15:04:05.000")

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m r %s\n", timestamp, s.Live.Hex())
	fmt.Printf("  Bus: \033[1;32mOK\033[0m\n")

	for i, err := range s.Errors {
		switch err.Type {
		case monitor.AnomalyReservedHSDiv, monitor.AnomalyZeroRFFreq:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)

		case monitor.AnomalyDCORange:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, err.Message)
			if dco, ok := err.Details["dco"].(physic.Frequency); ok {
				fmt.Printf("    DCO=%s (valid: 4.85 to 5.67 GHz)\n", dco)
			}

		default:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, err.Message)
		}
	}

	fmt.Printf("  Decoded: %s\n", s.Live)
	fmt.Printf("  >>> REGISTERS SUSPECT <<<\n\n")
}

// runTUIMode runs the monitor in TUI mode
func runTUIMode(ctx context.Context, poller *monitor.Poller, connInfo string) error {
	m := initialModel(connInfo, statsInterval, showAll)
	p := tea.NewProgram(m, tea.WithContext(ctx))

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go poll(pollCtx, poller, func(s monitor.Sample) {
		p.Send(pollMsg{sample: s})
	})

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// runTextMode runs the monitor in text mode
func runTextMode(ctx context.Context, poller *monitor.Poller, connInfo string) error {
	fmt.Printf("clockbox - Register Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Poll interval: %v\n", pollInterval)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All polls\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	stats := monitor.NewStatistics()

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	samples := make(chan monitor.Sample, 10)
	go func() {
		poll(ctx, poller, func(s monitor.Sample) {
			select {
			case samples <- s:
			case <-ctx.Done():
			}
		})
	}()

	for {
		select {
		case s := <-samples:
			stats.Update(s)
			switch {
			case s.Err != nil:
				printPollError(s)
			case len(s.Errors) > 0:
				printValidationErrors(s)
			case showAll:
				fmt.Printf("[%s] r %s  %s\n", s.Time.Format("15:04:05.000"), s.Live.Hex(), s.Live)
			}

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()

		case <-ctx.Done():
			fmt.Println()
			fmt.Print(stats.String())
			return nil
		}
	}
}
