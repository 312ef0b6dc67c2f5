// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/clockbox/pkg/client"
	"github.com/Thermoquad/clockbox/pkg/command"
	"github.com/Thermoquad/clockbox/pkg/si570"
)

var (
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Show the oscillator power-up register values",
		Long: `Send 'i' and display the six registers the device captured from the
oscillator at boot, before any stored configuration was applied.

Exit codes:
  0 - Success
  1 - Device error or timeout
  2 - Connection error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery("Power-up values", (*client.Client).Info)
		},
	}

	readCmd = &cobra.Command{
		Use:   "read",
		Short: "Read the live oscillator registers",
		Long: `Send 'r' and display the registers currently programmed into the
oscillator. A bus failure on the device is reported as i2c_err.

Exit codes:
  0 - Success
  1 - Device error or timeout
  2 - Connection error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery("Current values", (*client.Client).Read)
		},
	}

	flashCmd = &cobra.Command{
		Use:   "flash",
		Short: "Show the register values stored in flash",
		Long: `Send 'f' and display the registers persisted in the device's flash
page. These are applied to the oscillator at every boot.

Exit codes:
  0 - Success
  1 - Device error or timeout
  2 - Connection error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery("Flash values", (*client.Client).Flash)
		},
	}

	writeCmd = &cobra.Command{
		Use:   "write <registers>",
		Short: "Store and apply a register block",
		Long: `Send 'w' followed by twelve hex digits. The device saves the block to
flash first and then programs the oscillator (freeze DCO, write, unfreeze,
NewFreq). Spaces, commas and semicolons between digits are accepted.

Examples:
  clockbox write --port /dev/ttyUSB0 01c2bc818302
  clockbox write --port /dev/ttyUSB0 "01 c2 bc 81 83 02"

Exit codes:
  0 - Success
  1 - Device error, bus error or timeout
  2 - Connection error`,
		Args: cobra.MinimumNArgs(1),
		RunE: runWrite,
	}

	helpDeviceCmd = &cobra.Command{
		Use:   "usage",
		Short: "Print the device's own help text",
		Args:  cobra.NoArgs,
		RunE:  runDeviceHelp,
	}
)

func init() {
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(flashCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(helpDeviceCmd)
}

func printRegisters(label string, regs si570.Registers) {
	fmt.Printf("%s: %s\n", label, regs.Hex())
	fmt.Printf("  %s\n", regs)
}

func runQuery(label string, query func(*client.Client, context.Context) (si570.Registers, error)) error {
	c, conn, connInfo := OpenClient()
	defer conn.Close()

	fmt.Printf("clockbox - %s\n", label)
	fmt.Printf("Connection: %s\n\n", connInfo)

	regs, err := query(c, context.Background())
	if err != nil {
		fmt.Printf("FAILED: %v\n", err)
		os.Exit(1)
	}
	printRegisters(label, regs)
	return nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	regs, err := parseBlock(strings.Join(args, " "))
	if err != nil {
		return err
	}

	c, conn, connInfo := OpenClient()
	defer conn.Close()

	fmt.Printf("clockbox - Write Registers\n")
	fmt.Printf("Connection: %s\n\n", connInfo)
	printRegisters("Writing", regs)

	if err := c.Write(context.Background(), regs); err != nil {
		fmt.Printf("\nFAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nconfig_done\n")
	return nil
}

func runDeviceHelp(cmd *cobra.Command, args []string) error {
	c, conn, _ := OpenClient()
	defer conn.Close()

	text, err := c.Help(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(text)
	return nil
}

// parseBlock validates a register argument with the device's own parser.
func parseBlock(s string) (si570.Registers, error) {
	var p command.Parser
	p.Advance(command.CmdWrite)
	for i := 0; i < len(s); i++ {
		switch p.Advance(s[i]) {
		case command.Error:
			return si570.Registers{}, fmt.Errorf("invalid character %q at position %d", s[i], i)
		case command.Complete:
			regs, _ := p.Block()
			if rest := strings.TrimSpace(s[i+1:]); rest != "" {
				return regs, fmt.Errorf("unexpected trailing input %q", rest)
			}
			return regs, nil
		}
	}
	return si570.Registers{}, fmt.Errorf("expected %d hex digits, got %d", 2*si570.BlockSize, p.Cursor())
}
