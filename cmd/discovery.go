// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"

	"github.com/Thermoquad/clockbox/pkg/client"
	"github.com/Thermoquad/clockbox/pkg/si570"
)

var (
	discoveryProbe   bool
	discoveryTimeout time.Duration
)

var discoveryCmd = &cobra.Command{
	Use:     "ports",
	Aliases: []string{"discover"},
	Short:   "List serial ports and find clockbox devices",
	Long: `List the serial ports on this host with their USB details.

With --probe every port is opened at --baud and sent 'i'. Ports that answer
with a valid power-up register block are reported as clockbox devices.

Examples:
  clockbox ports
  clockbox ports --probe --baud 115200

Exit codes:
  0 - Success (with --probe: at least one device found)
  1 - No ports, or no device answered the probe
  2 - Port enumeration failed`,
	Args: cobra.NoArgs,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().BoolVar(&discoveryProbe, "probe", false, "Send 'i' to each port to identify devices")
	discoveryCmd.Flags().DurationVar(&discoveryTimeout, "probe-timeout", 500*time.Millisecond, "Response timeout per probed port")
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Enumeration error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("clockbox - Port Discovery\n")
	if discoveryProbe {
		fmt.Printf("Probe: %d baud, %v timeout\n", baudRate, discoveryTimeout)
	}
	fmt.Println()

	if len(ports) == 0 {
		fmt.Printf("No serial ports found\n")
		os.Exit(1)
	}

	found := 0
	for _, port := range ports {
		fmt.Printf("%s\n", port.Name)
		if port.IsUSB {
			fmt.Printf("  USB: %s:%s", port.VID, port.PID)
			if port.SerialNumber != "" {
				fmt.Printf(" serial=%s", port.SerialNumber)
			}
			fmt.Println()
			if port.Product != "" {
				fmt.Printf("  Product: %s\n", port.Product)
			}
		}

		if !discoveryProbe {
			continue
		}
		regs, err := probePort(port.Name)
		if err != nil {
			fmt.Printf("  Probe: no device (%v)\n", err)
			continue
		}
		found++
		fmt.Printf("  Probe: clockbox, power-up %s\n", regs.Hex())
		fmt.Printf("         %s\n", regs)
	}

	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Ports: %d\n", len(ports))
	if discoveryProbe {
		fmt.Printf("Devices found: %d\n", found)
		if found == 0 {
			fmt.Printf("No devices answered. Check baud rate and device power.\n")
			os.Exit(1)
		}
	}
	return nil
}

func probePort(name string) (si570.Registers, error) {
	conn, err := OpenSerialConnection(name, baudRate)
	if err != nil {
		return si570.Registers{}, err
	}
	defer conn.Close()

	c := client.New(conn, client.WithTimeout(discoveryTimeout), client.WithLogger(logger))
	return c.Info(context.Background())
}
